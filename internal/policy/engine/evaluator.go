package engine

import (
	"context"

	"constellation/backend/internal/claims"
)

// Admin actions checked by the policy.
const (
	ActionListUnverified = "users.list_unverified"
	ActionVerifyUser     = "users.verify"
)

// Evaluator decides whether a principal may perform an administrative action.
type Evaluator interface {
	// AllowAdmin reports whether p may perform action. Evaluation failures deny.
	AllowAdmin(ctx context.Context, p *claims.Principal, action string) (bool, error)
}
