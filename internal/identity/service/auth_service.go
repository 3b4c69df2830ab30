package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"constellation/backend/internal/audit"
	auditdomain "constellation/backend/internal/audit/domain"
	"constellation/backend/internal/logging"
	"constellation/backend/internal/obs"
	"constellation/backend/internal/security"
	sessiondomain "constellation/backend/internal/session/domain"
	sessionrepo "constellation/backend/internal/session/repository"
	"constellation/backend/internal/telemetry"
	userdomain "constellation/backend/internal/user/domain"
)

// Sentinel errors for the auth service; handlers map them to status codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrAuthenticationFailed   = errors.New("invalid email or password")
	ErrAccountNotVerified     = errors.New("account is not verified")
	ErrInvalidRefreshToken    = errors.New("invalid or expired refresh token")
	ErrUserNotFound           = errors.New("user not found")
	ErrInvalidInput           = errors.New("invalid input")

	// ErrStorage is the session store's storage error; user repository failures are wrapped in it too.
	ErrStorage = sessionrepo.ErrStorage
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
	maxNameLength     = 100
	defaultListLimit  = 50
	maxListLimit      = 100
	tokenTypeBearer   = "bearer"
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ClientMeta describes the caller of an auth operation. It is recorded on
// sessions and audit events only.
type ClientMeta struct {
	UserAgent string
	IP        string
}

// SignupInput holds the fields accepted by Signup.
type SignupInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	SetVerified(ctx context.Context, id string, verified bool) (bool, error)
	ListUnverified(ctx context.Context, limit, offset int32) ([]*userdomain.User, error)
}

// SessionStore is the minimal session store needed by the auth service.
type SessionStore interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	FindActive(ctx context.Context, hash string, now time.Time) (*sessiondomain.Session, error)
	Rotate(ctx context.Context, oldHash string, next *sessiondomain.Session, now time.Time) (*sessiondomain.Session, error)
	FindByHash(ctx context.Context, hash string) (*sessiondomain.Session, error)
	Invalidate(ctx context.Context, hash string, now time.Time) error
	InvalidateAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
}

// AuditReader lists persisted audit entries of one user, newest first.
type AuditReader interface {
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.AuditLog, error)
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithAuditLogger records security events through l.
func WithAuditLogger(l audit.AuditLogger) Option {
	return func(s *AuthService) { s.audit = l }
}

// WithAuditReader serves AuditTrail from r.
func WithAuditReader(r AuditReader) Option {
	return func(s *AuthService) { s.auditReader = r }
}

// WithMetrics counts outcomes on m.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *AuthService) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *AuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRevokeOnReuse controls whether presenting a consumed refresh token
// invalidates every session of its user. Enabled by default.
func WithRevokeOnReuse(enabled bool) Option {
	return func(s *AuthService) { s.revokeOnReuse = enabled }
}

// AuthService implements signup, login, refresh-token rotation, and logout.
// It holds no per-request state; the session store is the only shared mutable state.
type AuthService struct {
	users         UserRepo
	sessions      SessionStore
	hasher        *security.Hasher
	tokens        *security.TokenProvider
	refreshTTL    time.Duration
	audit         audit.AuditLogger
	auditReader   AuditReader
	metrics       *obs.Metrics
	logger        *zap.Logger
	now           func() time.Time
	revokeOnReuse bool
}

// NewAuthService returns an AuthService with the given dependencies.
// A non-positive refreshTTL falls back to seven days.
func NewAuthService(
	users UserRepo,
	sessions SessionStore,
	hasher *security.Hasher,
	tokens *security.TokenProvider,
	refreshTTL time.Duration,
	opts ...Option,
) *AuthService {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	s := &AuthService{
		users:         users,
		sessions:      sessions,
		hasher:        hasher,
		tokens:        tokens,
		refreshTTL:    refreshTTL,
		logger:        zap.NewNop(),
		now:           time.Now,
		revokeOnReuse: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "auth")
	return s
}

// Signup creates an unverified user. An administrator must verify the account before it can log in.
func (s *AuthService) Signup(ctx context.Context, in SignupInput, meta ClientMeta) (*userdomain.User, error) {
	email := userdomain.NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if len(first) > maxNameLength || len(last) > maxNameLength {
		return nil, fmt.Errorf("%w: names must be at most %d characters", ErrInvalidInput, maxNameLength)
	}
	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, storageErr("get user by email", err)
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := s.hasher.Hash([]byte(in.Password))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		FirstName:    first,
		LastName:     last,
		PasswordHash: hashed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userdomain.ErrEmailTaken) {
			return nil, ErrEmailAlreadyRegistered
		}
		return nil, storageErr("create user", err)
	}
	s.record(ctx, telemetry.EventUserSignedUp, user.ID, nil, meta, "")
	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return user, nil
}

// Login verifies the credentials and opens a new session.
// A missing user and a wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string, meta ClientMeta) (*TokenPair, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" || password == "" {
		s.hasher.VerifyDummy([]byte(password))
		return nil, s.loginFailed(ctx, "", meta, "empty credentials")
	}
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		s.metrics.Login(obs.OutcomeError)
		return nil, storageErr("get user by email", err)
	}
	if user == nil {
		s.hasher.VerifyDummy([]byte(password))
		return nil, s.loginFailed(ctx, "", meta, "unknown email")
	}
	if !s.hasher.Verify([]byte(password), user.PasswordHash) {
		return nil, s.loginFailed(ctx, user.ID, meta, "wrong password")
	}
	if !user.Verified {
		s.metrics.Login(obs.OutcomeRejected)
		s.record(ctx, telemetry.EventLoginFailed, user.ID, nil, meta, "account not verified")
		return nil, ErrAccountNotVerified
	}
	pair, sess, err := s.issuePair(ctx, user, meta)
	if err != nil {
		s.metrics.Login(obs.OutcomeError)
		return nil, err
	}
	s.metrics.Login(obs.OutcomeSuccess)
	s.record(ctx, telemetry.EventLoginSucceeded, user.ID, sess, meta, "")
	return pair, nil
}

// Refresh consumes the presented refresh token and returns a new pair.
// The user lookup and token minting happen before the store is touched, and the
// old session is consumed in the same atomic step that persists the new one, so
// a storage failure leaves the presented token usable for a retry.
// Every failure the client can cause is ErrInvalidRefreshToken; storage
// failures are returned wrapped in ErrStorage.
func (s *AuthService) Refresh(ctx context.Context, rawRefresh string, meta ClientMeta) (*TokenPair, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		s.metrics.Refresh(obs.OutcomeRejected)
		return nil, ErrInvalidRefreshToken
	}
	hash := security.HashRefreshToken(rawRefresh)
	now := s.now().UTC()
	current, err := s.sessions.FindActive(ctx, hash, now)
	if err != nil {
		s.metrics.Refresh(obs.OutcomeError)
		s.logger.Error("find session", logging.HashPrefix(hash), zap.Error(err))
		return nil, err
	}
	if current == nil || !security.RefreshTokenHashEqual(rawRefresh, current.TokenHash) {
		s.metrics.Refresh(obs.OutcomeRejected)
		s.handleRejectedRefresh(ctx, hash, meta)
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		s.metrics.Refresh(obs.OutcomeError)
		return nil, storageErr("get user by id", err)
	}
	if user == nil {
		s.metrics.Refresh(obs.OutcomeRejected)
		s.logger.Warn("refresh for deleted user", zap.String("user_id", current.UserID), zap.String("session_id", current.ID))
		return nil, ErrInvalidRefreshToken
	}
	pair, next, err := s.mintPair(user, meta)
	if err != nil {
		s.metrics.Refresh(obs.OutcomeError)
		return nil, err
	}
	consumed, err := s.sessions.Rotate(ctx, hash, next, next.CreatedAt)
	if err != nil {
		s.metrics.Refresh(obs.OutcomeError)
		s.logger.Error("rotate session", logging.HashPrefix(hash), zap.String("user_id", user.ID), zap.Error(err))
		return nil, err
	}
	if consumed == nil {
		// Another caller consumed or revoked the session after FindActive.
		s.metrics.Refresh(obs.OutcomeRejected)
		s.handleRejectedRefresh(ctx, hash, meta)
		return nil, ErrInvalidRefreshToken
	}
	s.metrics.Refresh(obs.OutcomeSuccess)
	s.record(ctx, telemetry.EventTokenRotated, user.ID, next, meta, "previous session "+consumed.ID)
	return pair, nil
}

// handleRejectedRefresh distinguishes replay of a consumed token from any other
// rejection. Failures here are logged only; the caller has already been rejected.
func (s *AuthService) handleRejectedRefresh(ctx context.Context, hash string, meta ClientMeta) {
	prior, err := s.sessions.FindByHash(ctx, hash)
	if err != nil {
		s.logger.Warn("reuse lookup failed", logging.HashPrefix(hash), zap.Error(err))
		return
	}
	if prior == nil || prior.ConsumedAt == nil {
		s.record(ctx, telemetry.EventRefreshRejected, userIDOf(prior), prior, meta, "")
		return
	}
	s.metrics.Reuse()
	s.logger.Warn("refresh token reuse detected",
		zap.String("user_id", prior.UserID),
		zap.String("session_id", prior.ID),
		logging.HashPrefix(hash),
	)
	s.record(ctx, telemetry.EventRefreshReuse, prior.UserID, prior, meta, "")
	if !s.revokeOnReuse {
		return
	}
	n, err := s.sessions.InvalidateAllForUser(ctx, prior.UserID, s.now().UTC())
	if err != nil {
		s.logger.Error("revoke sessions after reuse", zap.String("user_id", prior.UserID), zap.Error(err))
		return
	}
	s.record(ctx, telemetry.EventSessionsInvalidated, prior.UserID, nil, meta, fmt.Sprintf("refresh token reuse; %d sessions revoked", n))
}

// Logout invalidates the session of the presented refresh token. Unknown,
// expired, or already terminal tokens are accepted silently; only storage
// failures are returned.
func (s *AuthService) Logout(ctx context.Context, rawRefresh string, meta ClientMeta) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		s.metrics.Logout(obs.OutcomeSuccess)
		return nil
	}
	hash := security.HashRefreshToken(rawRefresh)
	if err := s.sessions.Invalidate(ctx, hash, s.now().UTC()); err != nil {
		s.metrics.Logout(obs.OutcomeError)
		s.logger.Error("invalidate session", logging.HashPrefix(hash), zap.Error(err))
		return err
	}
	s.metrics.Logout(obs.OutcomeSuccess)
	s.record(ctx, telemetry.EventLogout, "", &sessiondomain.Session{TokenHash: hash}, meta, "")
	return nil
}

// LogoutAll invalidates every issued session of userID and returns how many were revoked.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, meta ClientMeta) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	n, err := s.sessions.InvalidateAllForUser(ctx, userID, s.now().UTC())
	if err != nil {
		s.metrics.Logout(obs.OutcomeError)
		return 0, err
	}
	s.metrics.Logout(obs.OutcomeSuccess)
	s.record(ctx, telemetry.EventSessionsInvalidated, userID, nil, meta, fmt.Sprintf("logout all; %d sessions revoked", n))
	return n, nil
}

// VerifyUser marks the user as verified so that Login succeeds.
func (s *AuthService) VerifyUser(ctx context.Context, userID string, meta ClientMeta) (*userdomain.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, ErrUserNotFound
	}
	found, err := s.users.SetVerified(ctx, userID, true)
	if err != nil {
		return nil, storageErr("set verified", err)
	}
	if !found {
		return nil, ErrUserNotFound
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storageErr("get user by id", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	s.record(ctx, telemetry.EventUserVerified, userID, nil, meta, "")
	return user, nil
}

// ListUnverified returns users awaiting verification. limit is clamped to [1, 100].
func (s *AuthService) ListUnverified(ctx context.Context, limit, offset int32) ([]*userdomain.User, error) {
	limit, offset = clampPage(limit, offset)
	users, err := s.users.ListUnverified(ctx, limit, offset)
	if err != nil {
		return nil, storageErr("list unverified users", err)
	}
	return users, nil
}

// AuditTrail returns the security events recorded for userID, newest first.
// Without an AuditReader the trail is empty.
func (s *AuthService) AuditTrail(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.AuditLog, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if s.auditReader == nil {
		return nil, nil
	}
	limit, offset = clampPage(limit, offset)
	entries, err := s.auditReader.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, storageErr("list audit logs", err)
	}
	return entries, nil
}

func clampPage(limit, offset int32) (int32, int32) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// issuePair mints a token pair for user and persists its refresh session.
func (s *AuthService) issuePair(ctx context.Context, user *userdomain.User, meta ClientMeta) (*TokenPair, *sessiondomain.Session, error) {
	pair, sess, err := s.mintPair(user, meta)
	if err != nil {
		return nil, nil, err
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.logger.Error("create session", zap.String("user_id", user.ID), zap.Error(err))
		return nil, nil, err
	}
	return pair, sess, nil
}

// mintPair builds the tokens and the unsaved session for user. It has no side effects.
func (s *AuthService) mintPair(user *userdomain.User, meta ClientMeta) (*TokenPair, *sessiondomain.Session, error) {
	now := s.now().UTC()
	access, accessExp, err := s.tokens.IssueAccess(security.AccessSubject{
		UserID:   user.ID,
		Email:    user.Email,
		Verified: user.Verified,
	}, now)
	if err != nil {
		return nil, nil, err
	}
	raw, hash, err := security.IssueRefreshToken()
	if err != nil {
		return nil, nil, err
	}
	sess := &sessiondomain.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IP,
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(accessExp.Sub(now).Seconds()),
	}, sess, nil
}

func (s *AuthService) loginFailed(ctx context.Context, userID string, meta ClientMeta, detail string) error {
	s.metrics.Login(obs.OutcomeFailure)
	s.record(ctx, telemetry.EventLoginFailed, userID, nil, meta, detail)
	return ErrAuthenticationFailed
}

func (s *AuthService) record(ctx context.Context, eventType, userID string, sess *sessiondomain.Session, meta ClientMeta, detail string) {
	if s.audit == nil {
		return
	}
	ev := &telemetry.SecurityEvent{
		Type:      eventType,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Detail:    detail,
		At:        s.now().UTC(),
	}
	if sess != nil {
		ev.SessionID = sess.ID
		ev.HashPrefix = sess.HashPrefix()
	}
	s.audit.LogEvent(ctx, ev)
}

func userIDOf(sess *sessiondomain.Session) string {
	if sess == nil {
		return ""
	}
	return sess.UserID
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: invalid email format", ErrInvalidInput)
	}
	return nil
}

// validatePassword enforces the length bounds; bcrypt ignores input past 72 bytes.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLength)
	}
	return nil
}
