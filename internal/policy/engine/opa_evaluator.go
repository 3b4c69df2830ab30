package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"constellation/backend/internal/claims"
)

const adminAllowQuery = "data.constellation.admin.allow"

// DefaultAdminPolicy allows verified principals whose email matches the configured admin email.
const DefaultAdminPolicy = `package constellation.admin

default allow := false

allow if {
	input.principal.verified
	input.admin_email != ""
	lower(input.principal.email) == lower(input.admin_email)
}
`

// OPAEvaluator evaluates the admin policy with an in-process OPA Rego engine.
// The query is compiled once; Eval is safe for concurrent use.
type OPAEvaluator struct {
	adminEmail string
	query      rego.PreparedEvalQuery
	logger     *zap.Logger
}

// NewOPAEvaluator compiles policy (DefaultAdminPolicy when empty) and returns an evaluator.
func NewOPAEvaluator(ctx context.Context, adminEmail, policy string, logger *zap.Logger) (*OPAEvaluator, error) {
	if strings.TrimSpace(policy) == "" {
		policy = DefaultAdminPolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	compiler, err := ast.CompileModules(map[string]string{"admin.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile admin policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(adminAllowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admin policy: %w", err)
	}
	return &OPAEvaluator{adminEmail: strings.TrimSpace(adminEmail), query: pq, logger: logger}, nil
}

// HealthCheck evaluates the policy against an empty principal. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, buildInput(&claims.Principal{}, "health", e.adminEmail))
	return err
}

// AllowAdmin evaluates the admin policy for p and action.
func (e *OPAEvaluator) AllowAdmin(ctx context.Context, p *claims.Principal, action string) (bool, error) {
	if p == nil {
		return false, nil
	}
	allowed, err := e.eval(ctx, buildInput(p, action, e.adminEmail))
	if err != nil {
		e.logger.Error("policy: evaluation failed, denying", zap.String("action", action), zap.Error(err))
		return false, err
	}
	return allowed, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, input map[string]interface{}) (bool, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval admin policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("policy query returned no result")
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy query returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

func buildInput(p *claims.Principal, action, adminEmail string) map[string]interface{} {
	return map[string]interface{}{
		"principal": map[string]interface{}{
			"user_id":  p.UserID,
			"email":    p.Email,
			"verified": p.Verified,
		},
		"action":      action,
		"admin_email": adminEmail,
	}
}
