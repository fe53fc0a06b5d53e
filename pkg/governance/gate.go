package governance

import (
	"context"
	"fmt"
	"log/slog"
)

// GovernanceBlockedError is returned for an action that requires approval it
// does not have. Blocked actions are never retried.
type GovernanceBlockedError struct {
	Agent      string
	ActionType string
	RiskLevel  RiskLevel
	Reason     string
}

func (e *GovernanceBlockedError) Error() string {
	return fmt.Sprintf("governance blocked %s/%s (risk %s): %s", e.Agent, e.ActionType, e.RiskLevel, e.Reason)
}

// ErrorKind names the error for causal memory.
func (e *GovernanceBlockedError) ErrorKind() string { return "GovernanceBlockedError" }

// Gate classifies actions and writes every classified action to the audit log.
type Gate struct {
	policy   Policy
	rules    *RuleSet
	audit    *AuditLog
	verifier *ApprovalVerifier
	logger   *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRules adds CEL rules that can raise risk levels.
func WithRules(rs *RuleSet) GateOption {
	return func(g *Gate) { g.rules = rs }
}

// WithApprovals enables approval tokens in Check.
func WithApprovals(v *ApprovalVerifier) GateOption {
	return func(g *Gate) { g.verifier = v }
}

// NewGate creates a gate. audit may be nil, in which case LogAction only
// classifies. A negative approval threshold takes the default; zero makes
// every positive amount require approval.
func NewGate(policy Policy, audit *AuditLog, opts ...GateOption) *Gate {
	if policy.ApprovalAmountThreshold < 0 {
		policy.ApprovalAmountThreshold = DefaultPolicy().ApprovalAmountThreshold
	}
	g := &Gate{
		policy: policy,
		audit:  audit,
		logger: slog.Default().With("component", "governance"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Audit returns the gate's audit log.
func (g *Gate) Audit() *AuditLog { return g.audit }

// AssessRisk classifies an action. The result is the highest level any rule
// assigns: high-risk agents are HIGH, amounts above 10,000/1,000/100 are
// CRITICAL/HIGH/MEDIUM, critical action types are at least HIGH, and CEL
// rules may raise the level further.
func (g *Gate) AssessRisk(agent, actionType string, inputs map[string]any) RiskLevel {
	level, _ := g.assess(agent, actionType, inputs)
	return level
}

func (g *Gate) assess(agent, actionType string, inputs map[string]any) (RiskLevel, []string) {
	level := RiskLow
	if g.policy.isHighRiskAgent(agent) {
		level = maxRisk(level, RiskHigh)
	}

	switch amount := Amount(inputs); {
	case amount > criticalAmount:
		level = maxRisk(level, RiskCritical)
	case amount > highAmount:
		level = maxRisk(level, RiskHigh)
	case amount > mediumAmount:
		level = maxRisk(level, RiskMedium)
	}

	if g.policy.isCriticalAction(actionType) {
		level = maxRisk(level, RiskHigh)
	}

	if g.rules.Len() == 0 {
		return level, nil
	}
	ruleLevel, matched, errs := g.rules.Evaluate(agent, actionType, inputs)
	for _, err := range errs {
		g.logger.Warn("risk rule failed", "agent", agent, "action_type", actionType, "error", err)
	}
	return maxRisk(level, ruleLevel), matched
}

// RequiresApproval reports whether an action needs human approval: always for
// HIGH and CRITICAL, for amounts over the approval threshold, and for critical
// action types.
func (g *Gate) RequiresApproval(risk RiskLevel, actionType string, inputs map[string]any) bool {
	if risk.AtLeast(RiskHigh) {
		return true
	}
	if Amount(inputs) > g.policy.ApprovalAmountThreshold {
		return true
	}
	return g.policy.isCriticalAction(actionType)
}

// Classify returns the risk level and approval requirement of an action.
func (g *Gate) Classify(agent, actionType string, inputs map[string]any) RiskClassification {
	risk := g.AssessRisk(agent, actionType, inputs)
	return RiskClassification{
		RiskLevel:        risk,
		RequiresApproval: g.RequiresApproval(risk, actionType, inputs),
	}
}

// LogAction classifies the action and appends it to the audit log. The status
// is REQUIRES_REVIEW when approval was required and humanApproved is false.
func (g *Gate) LogAction(ctx context.Context, agent, actionType string, inputs, outputs map[string]any, humanApproved bool) (AuditRecord, error) {
	return g.logAction(ctx, agent, actionType, inputs, outputs, humanApproved, "")
}

func (g *Gate) logAction(ctx context.Context, agent, actionType string, inputs, outputs map[string]any, humanApproved bool, approver string) (AuditRecord, error) {
	risk, matched := g.assess(agent, actionType, inputs)
	requires := g.RequiresApproval(risk, actionType, inputs)

	rec := AuditRecord{
		Agent:            agent,
		ActionType:       actionType,
		Inputs:           inputs,
		Outputs:          outputs,
		HumanApproved:    humanApproved,
		Approver:         approver,
		RiskLevel:        risk,
		RequiresApproval: requires,
		ComplianceStatus: Compliant,
		MatchedRules:     matched,
	}
	if requires && !humanApproved {
		rec.ComplianceStatus = RequiresReview
	}

	if g.audit == nil {
		return rec, nil
	}
	if err := g.audit.Append(ctx, &rec); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "agent", agent, "action_type", actionType, "error", err)
		return rec, fmt.Errorf("audit: %w", err)
	}
	return rec, nil
}

// ActionRequest is an action about to be executed.
type ActionRequest struct {
	Agent         string
	ActionType    string
	Inputs        map[string]any
	HumanApproved bool
	// ApprovalToken is a signed approval; it is verified when the gate has a
	// verifier and counts as human approval when valid.
	ApprovalToken string
}

// Check classifies req, logs it, and returns a *GovernanceBlockedError when
// approval is required and not present. The audit record is returned either
// way.
func (g *Gate) Check(ctx context.Context, req ActionRequest) (AuditRecord, error) {
	approved := req.HumanApproved
	approver := ""
	var tokenErr error
	if !approved && req.ApprovalToken != "" && g.verifier != nil {
		approver, tokenErr = g.verifier.Verify(req.ApprovalToken, req.Agent, req.ActionType)
		approved = tokenErr == nil
	}

	rec, err := g.logAction(ctx, req.Agent, req.ActionType, req.Inputs, nil, approved, approver)
	if err != nil {
		return rec, err
	}
	if rec.RequiresApproval && !approved {
		reason := "human approval required"
		if tokenErr != nil {
			reason = tokenErr.Error()
		}
		g.logger.WarnContext(ctx, "action blocked",
			"agent", req.Agent, "action_type", req.ActionType, "risk", rec.RiskLevel, "reason", reason)
		return rec, &GovernanceBlockedError{
			Agent:      req.Agent,
			ActionType: req.ActionType,
			RiskLevel:  rec.RiskLevel,
			Reason:     reason,
		}
	}
	return rec, nil
}
