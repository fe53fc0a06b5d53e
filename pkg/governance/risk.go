// Package governance classifies the risk of worker actions, gates the ones
// that need human approval, and keeps the append-only audit trail.
package governance

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RiskLevel is an ordered risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r is o or riskier.
func (r RiskLevel) AtLeast(o RiskLevel) bool { return r.rank() >= o.rank() }

// ParseRiskLevel parses a level name, case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch l := RiskLevel(strings.ToUpper(strings.TrimSpace(s))); l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return l, true
	}
	return "", false
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Amount thresholds for risk classification.
const (
	criticalAmount = 10000
	highAmount     = 1000
	mediumAmount   = 100
)

// RiskClassification is the gate's verdict for one action.
type RiskClassification struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
}

// Policy is the static governance policy.
type Policy struct {
	HighRiskAgents          []string
	ApprovalAmountThreshold float64
	CriticalActions         []string
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		ApprovalAmountThreshold: 1000,
		CriticalActions:         []string{"execute_trade", "purchase_hardware", "transfer_funds"},
	}
}

func (p Policy) isHighRiskAgent(agent string) bool {
	for _, a := range p.HighRiskAgents {
		if a == agent {
			return true
		}
	}
	return false
}

func (p Policy) isCriticalAction(actionType string) bool {
	for _, a := range p.CriticalActions {
		if a == actionType {
			return true
		}
	}
	return false
}

// Amount extracts inputs["amount"] as a float. Strings and JSON numbers are
// accepted; anything else reads as zero.
func Amount(inputs map[string]any) float64 {
	switch v := inputs["amount"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	default:
		return 0
	}
}
