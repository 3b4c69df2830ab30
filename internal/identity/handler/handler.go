// Package handler serves the auth HTTP API with Fiber.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"go.uber.org/zap"

	auditdomain "constellation/backend/internal/audit/domain"
	"constellation/backend/internal/claims"
	"constellation/backend/internal/health"
	"constellation/backend/internal/identity/service"
	"constellation/backend/internal/obs"
	"constellation/backend/internal/platform/ratelimit"
	"constellation/backend/internal/policy/engine"
	userdomain "constellation/backend/internal/user/domain"
)

// AuthService is the subset of service.AuthService the HTTP layer calls.
type AuthService interface {
	Signup(ctx context.Context, in service.SignupInput, meta service.ClientMeta) (*userdomain.User, error)
	Login(ctx context.Context, email, password string, meta service.ClientMeta) (*service.TokenPair, error)
	Refresh(ctx context.Context, rawRefresh string, meta service.ClientMeta) (*service.TokenPair, error)
	Logout(ctx context.Context, rawRefresh string, meta service.ClientMeta) error
	LogoutAll(ctx context.Context, userID string, meta service.ClientMeta) (int64, error)
	VerifyUser(ctx context.Context, userID string, meta service.ClientMeta) (*userdomain.User, error)
	ListUnverified(ctx context.Context, limit, offset int32) ([]*userdomain.User, error)
	AuditTrail(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.AuditLog, error)
}

// Deps are the collaborators of the HTTP API. Metrics, Limiter, Health and Logger may be nil.
type Deps struct {
	Auth        AuthService
	Validator   *claims.Validator
	Policy      engine.Evaluator
	Health      *health.Checker
	Metrics     *obs.Metrics
	Limiter     *ratelimit.Keyed
	Logger      *zap.Logger
	AppName     string
	CORSOrigins []string
}

// Handler owns the routes of the auth API.
type Handler struct {
	auth        AuthService
	validator   *claims.Validator
	policy      engine.Evaluator
	health      *health.Checker
	metrics     *obs.Metrics
	limiter     *ratelimit.Keyed
	logger      *zap.Logger
	appName     string
	corsOrigins []string
}

// New returns a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auth:        d.Auth,
		validator:   d.Validator,
		policy:      d.Policy,
		health:      d.Health,
		metrics:     d.Metrics,
		limiter:     d.Limiter,
		logger:      logger,
		appName:     d.AppName,
		corsOrigins: d.CORSOrigins,
	}
}

// App builds the Fiber application with middleware and routes registered.
func (h *Handler) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      h.appName,
		ErrorHandler: fiberErrorHandler,
	})
	app.Use(recover.New())
	app.Use(h.observe)
	if len(h.corsOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     h.corsOrigins,
			AllowCredentials: true,
			AllowHeaders:     []string{fiber.HeaderAuthorization, fiber.HeaderContentType},
		}))
	}
	h.Register(app)
	return app
}

// Register attaches the API routes to r.
func (h *Handler) Register(r fiber.Router) {
	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Get("/metrics", adaptor.HTTPHandler(h.metrics.Handler()))
	}

	r.Post("/signup", h.Signup)
	r.Post("/login", h.RateLimit, h.Login)
	r.Post("/token/refresh", h.RateLimit, h.Refresh)
	r.Post("/logout", h.Logout)
	r.Post("/logout/all", h.RequireAuth, h.LogoutAll)
	r.Get("/me", h.RequireAuth, h.Me)
	r.Get("/me/audit", h.RequireAuth, h.AuditTrail)

	admin := r.Group("/admin", h.RequireAuth)
	admin.Get("/users/unverified", h.RequireAdmin(engine.ActionListUnverified), h.ListUnverified)
	admin.Patch("/users/:id/verify", h.RequireAdmin(engine.ActionVerifyUser), h.VerifyUser)
}

type signupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userPublic struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

type auditEntry struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	IP        string          `json:"ip"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toPublic(u *userdomain.User) userPublic {
	return userPublic{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Verified:  u.Verified,
		CreatedAt: u.CreatedAt,
	}
}

func clientMeta(c fiber.Ctx) service.ClientMeta {
	return service.ClientMeta{UserAgent: c.Get(fiber.HeaderUserAgent), IP: c.IP()}
}

func invalidBody(c fiber.Ctx) error {
	return c.Status(http.StatusUnprocessableEntity).JSON(errorBody{Detail: "Request body is not valid JSON"})
}

// Health reports readiness of the database, session store and policy engine.
func (h *Handler) Health(c fiber.Ctx) error {
	if h.health != nil {
		if ok, failed := h.health.Check(c.Context()); !ok {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "UNAVAILABLE",
				"service": h.appName,
				"failed":  failed,
			})
		}
	}
	return c.JSON(fiber.Map{"status": "OK", "service": h.appName})
}

// Signup registers an unverified account.
func (h *Handler) Signup(c fiber.Ctx) error {
	var req signupRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalidBody(c)
	}
	u, err := h.auth.Signup(c.Context(), service.SignupInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, clientMeta(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toPublic(u))
}

// Login exchanges credentials for a token pair.
func (h *Handler) Login(c fiber.Ctx) error {
	var req loginRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalidBody(c)
	}
	pair, err := h.auth.Login(c.Context(), req.Email, req.Password, clientMeta(c))
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.JSON(pair)
}

// Refresh rotates a refresh token into a new pair.
func (h *Handler) Refresh(c fiber.Ctx) error {
	var req refreshRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalidBody(c)
	}
	pair, err := h.auth.Refresh(c.Context(), req.RefreshToken, clientMeta(c))
	if err != nil {
		return h.writeError(c, err)
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.JSON(pair)
}

// Logout invalidates one refresh token. Unknown tokens still get 204.
func (h *Handler) Logout(c fiber.Ctx) error {
	var req refreshRequest
	if err := c.Bind().Body(&req); err != nil {
		return invalidBody(c)
	}
	if req.RefreshToken == "" {
		return c.Status(http.StatusUnprocessableEntity).JSON(errorBody{Detail: "refresh_token is required"})
	}
	if err := h.auth.Logout(c.Context(), req.RefreshToken, clientMeta(c)); err != nil {
		return h.writeError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// LogoutAll invalidates every session of the caller.
func (h *Handler) LogoutAll(c fiber.Ctx) error {
	p := principalFrom(c)
	n, err := h.auth.LogoutAll(c.Context(), p.UserID, clientMeta(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(fiber.Map{"revoked": n})
}

// Me returns the principal carried by the access token.
func (h *Handler) Me(c fiber.Ctx) error {
	return c.JSON(principalFrom(c))
}

// AuditTrail pages through the caller's own security events.
func (h *Handler) AuditTrail(c fiber.Ctx) error {
	limit, offset, ok := pageParams(c)
	if !ok {
		return c.Status(http.StatusUnprocessableEntity).JSON(errorBody{Detail: "limit and offset must be non-negative integers"})
	}
	entries, err := h.auth.AuditTrail(c.Context(), principalFrom(c).UserID, limit, offset)
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		entry := auditEntry{
			ID:        e.ID,
			Action:    e.Action,
			Resource:  e.Resource,
			IP:        e.IP,
			CreatedAt: e.CreatedAt,
		}
		if json.Valid([]byte(e.Metadata)) {
			entry.Metadata = json.RawMessage(e.Metadata)
		}
		out = append(out, entry)
	}
	return c.JSON(fiber.Map{"entries": out})
}

// ListUnverified pages through accounts awaiting verification.
func (h *Handler) ListUnverified(c fiber.Ctx) error {
	limit, offset, ok := pageParams(c)
	if !ok {
		return c.Status(http.StatusUnprocessableEntity).JSON(errorBody{Detail: "limit and offset must be non-negative integers"})
	}
	users, err := h.auth.ListUnverified(c.Context(), limit, offset)
	if err != nil {
		return h.writeError(c, err)
	}
	out := make([]userPublic, 0, len(users))
	for _, u := range users {
		out = append(out, toPublic(u))
	}
	return c.JSON(out)
}

// VerifyUser marks an account verified so it can log in.
func (h *Handler) VerifyUser(c fiber.Ctx) error {
	u, err := h.auth.VerifyUser(c.Context(), c.Params("id"), clientMeta(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(toPublic(u))
}

func pageParams(c fiber.Ctx) (limit, offset int32, ok bool) {
	limit, err1 := queryInt32(c, "limit")
	offset, err2 := queryInt32(c, "offset")
	return limit, offset, err1 == nil && err2 == nil
}

func queryInt32(c fiber.Ctx, key string) (int32, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return int32(n), nil
}
