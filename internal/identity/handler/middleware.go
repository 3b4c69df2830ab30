package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"constellation/backend/internal/claims"
)

type localsKey string

const principalKey localsKey = "principal"

// observe records request metrics and writes one access log line per request.
// Request bodies and Authorization headers are never logged.
func (h *Handler) observe(c fiber.Ctx) error {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.HTTPInFlight.Inc()
		defer h.metrics.HTTPInFlight.Dec()
	}
	err := c.Next()
	if err != nil {
		if herr := fiberErrorHandler(c, err); herr != nil {
			_ = c.SendStatus(http.StatusInternalServerError)
		}
	}
	status := c.Response().StatusCode()
	path := c.Route().Path
	elapsed := time.Since(start)
	if h.metrics != nil {
		code := strconv.Itoa(status)
		h.metrics.HTTPRequests.WithLabelValues(c.Method(), path, code).Inc()
		h.metrics.HTTPDuration.WithLabelValues(c.Method(), path, code).Observe(elapsed.Seconds())
	}
	h.logger.Info("http request",
		zap.String("method", c.Method()),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("latency", elapsed),
		zap.String("client_ip", c.IP()),
	)
	return nil
}

// RequireAuth rejects requests without a valid bearer access token and stores
// the Principal for downstream handlers.
func (h *Handler) RequireAuth(c fiber.Ctx) error {
	p, err := h.validator.ValidateAuthorization(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		reason := claims.ReasonOf(err)
		h.metrics.Rejected(reason)
		h.logger.Debug("access token rejected", zap.String("reason", reason), zap.String("path", c.Path()))
		if reason == claims.ReasonMissing {
			c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
		} else {
			c.Set(fiber.HeaderWWWAuthenticate, `Bearer error="invalid_token"`)
		}
		return c.Status(http.StatusUnauthorized).JSON(errorBody{Detail: "Could not validate credentials"})
	}
	c.Locals(principalKey, p)
	return c.Next()
}

// RequireAdmin allows the request only when the admin policy permits action
// for the authenticated principal. Policy failures deny.
func (h *Handler) RequireAdmin(action string) fiber.Handler {
	return func(c fiber.Ctx) error {
		p := principalFrom(c)
		allowed, err := h.policy.AllowAdmin(c.Context(), p, action)
		if err != nil || !allowed {
			return c.Status(http.StatusForbidden).JSON(errorBody{Detail: "The user doesn't have enough privileges"})
		}
		return c.Next()
	}
}

// RateLimit applies the per-IP token bucket.
func (h *Handler) RateLimit(c fiber.Ctx) error {
	if h.limiter == nil || h.limiter.Allow(c.IP(), time.Now()) {
		return c.Next()
	}
	h.metrics.RateLimited(c.Path())
	c.Set(fiber.HeaderRetryAfter, "1")
	return c.Status(http.StatusTooManyRequests).JSON(errorBody{Detail: "Too many requests"})
}

func principalFrom(c fiber.Ctx) *claims.Principal {
	p, _ := c.Locals(principalKey).(*claims.Principal)
	return p
}
