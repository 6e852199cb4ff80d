package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sapliy/notification-engine/pkg/observability"
)

// Action represents an action that can be policy-controlled
type Action string

const (
	ActionMarkRead Action = "notification.mark_read"
	ActionSendTest Action = "notification.send_test"
)

// Role represents a user role
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

var ErrDenied = errors.New("denied by policy")

// PolicyContext contains the context for policy evaluation
type PolicyContext struct {
	UserID   string
	Roles    []Role
	Resource map[string]interface{}
	Action   Action
}

// PolicyResult contains the result of a policy check
type PolicyResult struct {
	Allowed bool
	Reason  string
	Rules   []string
}

// PolicyEngine is the interface for policy evaluation
type PolicyEngine interface {
	Check(ctx context.Context, pctx *PolicyContext) (*PolicyResult, error)
}

// HardcodedPolicyEngine is the built-in role matrix.
type HardcodedPolicyEngine struct{}

func NewHardcodedPolicyEngine() *HardcodedPolicyEngine {
	return &HardcodedPolicyEngine{}
}

// Check evaluates hardcoded policies
func (e *HardcodedPolicyEngine) Check(ctx context.Context, pctx *PolicyContext) (*PolicyResult, error) {
	result := &PolicyResult{
		Allowed: false,
		Rules:   make([]string, 0),
	}

	for _, role := range pctx.Roles {
		if e.roleAllowsAction(role, pctx.Action) {
			result.Allowed = true
			result.Reason = fmt.Sprintf("allowed by role: %s", role)
			result.Rules = append(result.Rules, fmt.Sprintf("role:%s", role))
			return result, nil
		}
	}

	result.Reason = "no matching policy found"
	return result, nil
}

func (e *HardcodedPolicyEngine) roleAllowsAction(role Role, action Action) bool {
	// Admin can do everything
	if role == RoleAdmin {
		return true
	}

	permissions := map[Role][]Action{
		RoleUser: {
			ActionMarkRead,
		},
	}

	for _, allowed := range permissions[role] {
		if allowed == action {
			return true
		}
	}
	return false
}

// RolesFor derives the roles of an authenticated user.
func RolesFor(admin bool) []Role {
	if admin {
		return []Role{RoleUser, RoleAdmin}
	}
	return []Role{RoleUser}
}

// PolicyMiddleware runs checks against an engine and audits every decision.
type PolicyMiddleware struct {
	engine PolicyEngine
	log    *observability.Logger
}

func NewPolicyMiddleware(engine PolicyEngine, log *observability.Logger) *PolicyMiddleware {
	return &PolicyMiddleware{engine: engine, log: log.Component("policy")}
}

// Check performs a policy check and returns ErrDenied if denied
func (m *PolicyMiddleware) Check(ctx context.Context, pctx *PolicyContext) error {
	result, err := m.engine.Check(ctx, pctx)
	if err != nil {
		return fmt.Errorf("policy check failed: %w", err)
	}

	m.audit(ctx, PolicyAuditLog{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UserID:    pctx.UserID,
		Action:    pctx.Action,
		Allowed:   result.Allowed,
		Reason:    result.Reason,
		Rules:     result.Rules,
	})

	if !result.Allowed {
		return fmt.Errorf("%w: %s", ErrDenied, result.Reason)
	}
	return nil
}

// PolicyAuditLog is one policy decision.
type PolicyAuditLog struct {
	Timestamp string   `json:"timestamp"`
	UserID    string   `json:"userId"`
	Action    Action   `json:"action"`
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	Rules     []string `json:"rules,omitempty"`
}

func (m *PolicyMiddleware) audit(ctx context.Context, entry PolicyAuditLog) {
	m.log.WithContext(ctx).Info().
		Str("user_id", entry.UserID).
		Str("action", string(entry.Action)).
		Bool("allowed", entry.Allowed).
		Str("reason", entry.Reason).
		Strs("rules", entry.Rules).
		Msg("policy decision")
}
