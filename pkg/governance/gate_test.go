package governance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestAssessRisk(t *testing.T) {
	g := NewGate(Policy{HighRiskAgents: []string{"treasury"}, CriticalActions: DefaultPolicy().CriticalActions}, nil)

	cases := []struct {
		name       string
		agent      string
		actionType string
		inputs     map[string]any
		want       RiskLevel
	}{
		{"no amount", "scout", "report", nil, RiskLow},
		{"small", "scout", "report", map[string]any{"amount": 100}, RiskLow},
		{"medium", "scout", "report", map[string]any{"amount": 100.01}, RiskMedium},
		{"high", "scout", "report", map[string]any{"amount": 1500}, RiskHigh},
		{"critical", "scout", "report", map[string]any{"amount": "10000.5"}, RiskCritical},
		{"boundary 10000 is high", "scout", "report", map[string]any{"amount": 10000}, RiskHigh},
		{"high-risk agent", "treasury", "report", nil, RiskHigh},
		{"high-risk agent large amount", "treasury", "report", map[string]any{"amount": 50000}, RiskCritical},
		{"critical action small amount", "scout", "transfer_funds", map[string]any{"amount": 5}, RiskHigh},
		{"critical action large amount", "scout", "execute_trade", map[string]any{"amount": 20000}, RiskCritical},
		{"hardware purchase", "scout", "purchase_hardware", nil, RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, g.AssessRisk(tc.agent, tc.actionType, tc.inputs))
		})
	}
}

func TestRequiresApproval(t *testing.T) {
	g := NewGate(DefaultPolicy(), nil)

	require.True(t, g.RequiresApproval(RiskCritical, "report", nil))
	require.True(t, g.RequiresApproval(RiskHigh, "report", nil))
	require.False(t, g.RequiresApproval(RiskMedium, "report", map[string]any{"amount": 500}))
	require.True(t, g.RequiresApproval(RiskLow, "report", map[string]any{"amount": 1000.01}))
	require.True(t, g.RequiresApproval(RiskLow, "transfer_funds", nil))
	require.False(t, g.RequiresApproval(RiskLow, "report", nil))
}

func TestApprovalThresholdZero(t *testing.T) {
	g := NewGate(Policy{ApprovalAmountThreshold: 0}, nil)
	require.True(t, g.RequiresApproval(RiskLow, "report", map[string]any{"amount": 0.5}))
	require.False(t, g.RequiresApproval(RiskLow, "report", map[string]any{"amount": 0}))
	require.False(t, g.RequiresApproval(RiskLow, "report", nil))

	g = NewGate(Policy{ApprovalAmountThreshold: -1}, nil)
	require.False(t, g.RequiresApproval(RiskLow, "report", map[string]any{"amount": 500}))
	require.True(t, g.RequiresApproval(RiskLow, "report", map[string]any{"amount": 1000.01}))
}

func TestApprovalThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("amount over the threshold always requires approval", prop.ForAll(
		func(threshold, excess float64, actionType string, level int) bool {
			g := NewGate(Policy{ApprovalAmountThreshold: threshold}, nil)
			inputs := map[string]any{"amount": threshold + excess}
			risk := []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}[level]
			return g.RequiresApproval(risk, actionType, inputs) &&
				g.Classify("any", actionType, inputs).RequiresApproval
		},
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0.01, 1e6),
		gen.AlphaString(),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// An action of 1500 by an ordinary agent is HIGH, needs approval, and without
// it is logged as REQUIRES_REVIEW and not executed.
func TestUnapprovedHighRiskActionIsBlocked(t *testing.T) {
	var buf bytes.Buffer
	g := NewGate(Policy{HighRiskAgents: []string{"treasury"}}, NewAuditLog(&buf))
	ctx := context.Background()
	inputs := map[string]any{"amount": 1500}

	c := g.Classify("shopper", "purchase", inputs)
	require.Equal(t, RiskHigh, c.RiskLevel)
	require.True(t, c.RequiresApproval)

	executed := false
	rec, err := g.Check(ctx, ActionRequest{Agent: "shopper", ActionType: "purchase", Inputs: inputs})
	if err == nil {
		executed = true
	}
	var blocked *GovernanceBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, RiskHigh, blocked.RiskLevel)
	require.False(t, executed)
	require.Equal(t, RequiresReview, rec.ComplianceStatus)

	var logged []AuditRecord
	require.NoError(t, ReadAudit(&buf, time.Time{}, time.Time{}, func(r AuditRecord) error {
		logged = append(logged, r)
		return nil
	}))
	require.Len(t, logged, 1)
	require.Equal(t, RequiresReview, logged[0].ComplianceStatus)
	require.False(t, logged[0].HumanApproved)
}

func TestLogActionCompliance(t *testing.T) {
	var buf bytes.Buffer
	g := NewGate(DefaultPolicy(), NewAuditLog(&buf))
	ctx := context.Background()

	rec, err := g.LogAction(ctx, "shopper", "purchase", map[string]any{"amount": 1500}, map[string]any{"ok": true}, true)
	require.NoError(t, err)
	require.Equal(t, Compliant, rec.ComplianceStatus)

	rec, err = g.LogAction(ctx, "scout", "report", nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, Compliant, rec.ComplianceStatus)
	require.False(t, rec.RequiresApproval)
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.PrevHash)
}

func TestCheckWithApprovalToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	v, err := NewApprovalVerifier("s3cret")
	require.NoError(t, err)
	v.WithClock(func() time.Time { return now })

	var buf bytes.Buffer
	g := NewGate(DefaultPolicy(), NewAuditLog(&buf), WithApprovals(v))
	ctx := context.Background()

	tok, err := v.Mint("alice", "broker", "execute_trade", time.Hour)
	require.NoError(t, err)

	rec, err := g.Check(ctx, ActionRequest{Agent: "broker", ActionType: "execute_trade", ApprovalToken: tok})
	require.NoError(t, err)
	require.True(t, rec.HumanApproved)
	require.Equal(t, "alice", rec.Approver)
	require.Equal(t, Compliant, rec.ComplianceStatus)

	// a token for another action does not count
	_, err = g.Check(ctx, ActionRequest{Agent: "broker", ActionType: "transfer_funds", ApprovalToken: tok})
	var blocked *GovernanceBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Contains(t, blocked.Reason, "does not cover")

	// expired tokens are rejected
	now = now.Add(2 * time.Hour)
	_, err = g.Check(ctx, ActionRequest{Agent: "broker", ActionType: "execute_trade", ApprovalToken: tok})
	require.ErrorAs(t, err, &blocked)
}

func TestCELRulesRaiseRisk(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "night-trading", Expression: `action_type == "rebalance" && inputs.venue == "darkpool"`, Level: "critical"},
		{Name: "bulk", Expression: `amount > 50.0 && agent.startsWith("bulk-")`, Level: RiskMedium},
	})
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())

	g := NewGate(DefaultPolicy(), nil, WithRules(rs))
	require.Equal(t, RiskCritical, g.AssessRisk("fund", "rebalance", map[string]any{"venue": "darkpool"}))
	require.Equal(t, RiskMedium, g.AssessRisk("bulk-buyer", "purchase", map[string]any{"amount": 60}))
	require.Equal(t, RiskLow, g.AssessRisk("buyer", "purchase", map[string]any{"amount": 60}))

	// rules never lower a level
	require.Equal(t, RiskHigh, g.AssessRisk("bulk-buyer", "purchase", map[string]any{"amount": 5000}))
}

func TestRuleSetRejectsBadRules(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Name: "syntax", Expression: "amount >", Level: RiskHigh}})
	require.Error(t, err)

	_, err = NewRuleSet([]Rule{{Name: "type", Expression: "amount + 1.0", Level: RiskHigh}})
	require.Error(t, err)

	_, err = NewRuleSet([]Rule{{Name: "level", Expression: "true", Level: "SEVERE"}})
	require.Error(t, err)
}

func TestTokenDir(t *testing.T) {
	dir := TokenDir(t.TempDir())
	require.Equal(t, "", dir.Token("broker", "execute_trade"))

	require.NoError(t, dir.Save("broker", "execute_trade", "tok-1"))
	require.Equal(t, "tok-1", dir.Token("broker", "execute_trade"))
	require.Equal(t, "", dir.Token("broker", "transfer_funds"))

	require.NoError(t, dir.Revoke("broker", "execute_trade"))
	require.NoError(t, dir.Revoke("broker", "execute_trade"))
	require.Equal(t, "", dir.Token("broker", "execute_trade"))

	require.Error(t, dir.Save("../broker", "execute_trade", "x"))
}
