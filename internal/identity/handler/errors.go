package handler

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"constellation/backend/internal/identity/service"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

// writeError maps service errors to HTTP responses. Unknown errors are logged
// and reported as 500 without detail.
func (h *Handler) writeError(c fiber.Ctx, err error) error {
	status, detail := statusFor(err)
	switch status {
	case http.StatusUnauthorized:
		c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	case http.StatusServiceUnavailable:
		h.logger.Error("storage unavailable", zap.String("path", c.Path()), zap.Error(err))
	case http.StatusInternalServerError:
		h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(errorBody{Detail: detail})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, service.ErrAuthenticationFailed):
		return http.StatusUnauthorized, "Incorrect email or password"
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return http.StatusUnauthorized, "Invalid or expired refresh token"
	case errors.Is(err, service.ErrAccountNotVerified):
		return http.StatusForbidden, "Account has not been verified by an administrator"
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		return http.StatusConflict, "Email already registered"
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, service.ErrStorage):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// fiberErrorHandler renders errors returned outside the handlers (unknown routes,
// body limits) in the same shape.
func fiberErrorHandler(c fiber.Ctx, err error) error {
	code := http.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	detail := http.StatusText(code)
	if fe != nil && fe.Message != "" {
		detail = fe.Message
	}
	return c.Status(code).JSON(errorBody{Detail: detail})
}
