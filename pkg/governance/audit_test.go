package governance

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func appendAt(t *testing.T, l *AuditLog, at time.Time, agent string, risk RiskLevel, status ComplianceStatus) {
	t.Helper()
	rec := &AuditRecord{
		Agent:            agent,
		ActionType:       "report",
		Timestamp:        at,
		Inputs:           map[string]any{"amount": 12.5, "tags": []any{"a", "b"}},
		RiskLevel:        risk,
		ComplianceStatus: status,
	}
	require.NoError(t, l.Append(context.Background(), rec))
}

func TestAuditChainVerifies(t *testing.T) {
	var buf bytes.Buffer
	l := NewAuditLog(&buf)
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		appendAt(t, l, base.Add(time.Duration(i)*time.Hour), "scout", RiskLow, Compliant)
	}

	last, n, err := VerifyChain(bytes.NewReader(buf.Bytes()), "")
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NotEmpty(t, last)

	tampered := strings.Replace(buf.String(), `"agent":"scout"`, `"agent":"rogue"`, 1)
	_, _, err = VerifyChain(strings.NewReader(tampered), "")
	require.ErrorIs(t, err, ErrChainBroken)

	lines := strings.SplitAfter(buf.String(), "\n")
	dropped := lines[0] + strings.Join(lines[2:], "")
	_, _, err = VerifyChain(strings.NewReader(dropped), "")
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestReadAuditTimeRange(t *testing.T) {
	var buf bytes.Buffer
	l := NewAuditLog(&buf)
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		appendAt(t, l, base.Add(time.Duration(i)*24*time.Hour), "scout", RiskLow, Compliant)
	}

	var got []time.Time
	err := ReadAudit(&buf, base.Add(2*24*time.Hour), base.Add(4*24*time.Hour), func(r AuditRecord) error {
		got = append(got, r.Timestamp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.True(t, got[0].Equal(base.Add(2*24*time.Hour)))
}

func TestOpenAuditLogResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.ndjson")
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	l, err := OpenAuditLog(path)
	require.NoError(t, err)
	appendAt(t, l, base, "scout", RiskLow, Compliant)
	require.NoError(t, l.Close())

	l, err = OpenAuditLog(path)
	require.NoError(t, err)
	appendAt(t, l, base.Add(time.Hour), "scout", RiskLow, Compliant)
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, n, err := VerifyChain(f, "")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestRotateSealsSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	l, err := OpenAuditLog(path)
	require.NoError(t, err)
	l.WithClock(func() time.Time { return now })
	defer func() { _ = l.Close() }()

	sealed, err := l.Rotate()
	require.NoError(t, err)
	require.Empty(t, sealed, "empty logs are not sealed")

	appendAt(t, l, now, "scout", RiskLow, Compliant)
	sealed, err = l.Rotate()
	require.NoError(t, err)
	require.FileExists(t, sealed)
	require.Contains(t, filepath.Base(sealed), "20260401T120000")

	appendAt(t, l, now.Add(time.Minute), "scout", RiskLow, Compliant)

	// the chain continues from the sealed segment into the new file
	sf, err := os.Open(sealed)
	require.NoError(t, err)
	last, _, err := VerifyChain(sf, "")
	_ = sf.Close()
	require.NoError(t, err)

	af, err := os.Open(path)
	require.NoError(t, err)
	_, n, err := VerifyChain(af, last)
	_ = af.Close()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestComplianceReport(t *testing.T) {
	var buf bytes.Buffer
	l := NewAuditLog(&buf)
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	appendAt(t, l, base, "broker", RiskCritical, RequiresReview)
	appendAt(t, l, base.Add(time.Hour), "broker", RiskHigh, Compliant)
	appendAt(t, l, base.Add(2*time.Hour), "scout", RiskLow, Compliant)
	appendAt(t, l, base.Add(3*time.Hour), "scout", RiskMedium, Compliant)
	appendAt(t, l, base.Add(48*time.Hour), "scout", RiskLow, RequiresReview)

	rep, err := BuildComplianceReport(bytes.NewReader(buf.Bytes()), base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 4, rep.TotalActions)
	require.Equal(t, 3, rep.Compliant)
	require.InDelta(t, 75.0, rep.ComplianceRate, 0.001)
	require.Equal(t, 2, rep.HighRisk)
	require.Equal(t, 1, rep.RequiresReview)
	require.Equal(t, 1, rep.ByRisk[RiskCritical])
	require.Len(t, rep.Agents, 2)
	require.Equal(t, AgentCompliance{Agent: "broker", Actions: 2, Compliant: 1, RequiresReview: 1, HighRisk: 2}, rep.Agents[0])

	empty, err := BuildComplianceReport(strings.NewReader(""), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 100.0, empty.ComplianceRate)
}

func TestApprovalVerifier(t *testing.T) {
	_, err := NewApprovalVerifier("")
	require.Error(t, err)

	v, err := NewApprovalVerifier("k1")
	require.NoError(t, err)
	tok, err := v.Mint("ops", "broker", "execute_trade", time.Minute)
	require.NoError(t, err)

	approver, err := v.Verify(tok, "broker", "execute_trade")
	require.NoError(t, err)
	require.Equal(t, "ops", approver)

	other, err := NewApprovalVerifier("k2")
	require.NoError(t, err)
	_, err = other.Verify(tok, "broker", "execute_trade")
	require.Error(t, err)

	_, err = v.Verify(tok, "broker", "transfer_funds")
	require.ErrorIs(t, err, ErrApprovalMismatch)
}
