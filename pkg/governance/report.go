package governance

import (
	"io"
	"sort"
	"time"
)

// AgentCompliance is the per-agent slice of a ComplianceReport.
type AgentCompliance struct {
	Agent          string `json:"agent"`
	Actions        int    `json:"actions"`
	Compliant      int    `json:"compliant"`
	RequiresReview int    `json:"requires_review"`
	HighRisk       int    `json:"high_risk"`
}

// ComplianceReport summarizes the audit trail over a time range.
type ComplianceReport struct {
	From           time.Time         `json:"from,omitempty"`
	To             time.Time         `json:"to,omitempty"`
	TotalActions   int               `json:"total_actions"`
	Compliant      int               `json:"compliant"`
	ComplianceRate float64           `json:"compliance_rate"`
	HighRisk       int               `json:"high_risk_actions"`
	RequiresReview int               `json:"requires_review"`
	ByRisk         map[RiskLevel]int `json:"by_risk"`
	Agents         []AgentCompliance `json:"agents"`
}

// BuildComplianceReport streams the audit log in r and aggregates records
// whose timestamp falls in [from, to].
func BuildComplianceReport(r io.Reader, from, to time.Time) (ComplianceReport, error) {
	rep := ComplianceReport{From: from, To: to, ByRisk: map[RiskLevel]int{}}
	agents := map[string]*AgentCompliance{}

	err := ReadAudit(r, from, to, func(rec AuditRecord) error {
		rep.TotalActions++
		rep.ByRisk[rec.RiskLevel]++

		a, ok := agents[rec.Agent]
		if !ok {
			a = &AgentCompliance{Agent: rec.Agent}
			agents[rec.Agent] = a
		}
		a.Actions++

		if rec.ComplianceStatus == Compliant {
			rep.Compliant++
			a.Compliant++
		} else {
			rep.RequiresReview++
			a.RequiresReview++
		}
		if rec.RiskLevel.AtLeast(RiskHigh) {
			rep.HighRisk++
			a.HighRisk++
		}
		return nil
	})
	if err != nil {
		return ComplianceReport{}, err
	}

	rep.ComplianceRate = 100
	if rep.TotalActions > 0 {
		rep.ComplianceRate = float64(rep.Compliant) / float64(rep.TotalActions) * 100
	}
	for _, a := range agents {
		rep.Agents = append(rep.Agents, *a)
	}
	sort.Slice(rep.Agents, func(i, j int) bool { return rep.Agents[i].Agent < rep.Agents[j].Agent })
	return rep, nil
}
