// Package escalation pages an operator when the engine cannot recover on its
// own.
//
// The manager tracks escalation intents through their lifecycle, expires
// unacknowledged ones, and produces receipts with a content hash for the
// audit trail.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Intent is a request for operator attention.
type Intent struct {
	IntentID  string            `json:"intent_id"`
	Reason    string            `json:"reason"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    Status            `json:"status"`
}

// Receipt records how an intent was resolved.
type Receipt struct {
	ReceiptID      string    `json:"receipt_id"`
	IntentID       string    `json:"intent_id"`
	Outcome        Status    `json:"outcome"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at"`
	DurationMs     int64     `json:"duration_ms"`
	ContentHash    string    `json:"content_hash"`
}

// Manager handles the lifecycle of escalation intents.
type Manager struct {
	mu      sync.Mutex
	intents map[string]*Intent
	clock   func() time.Time
	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates a manager whose intents expire after timeout
// (default one hour).
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Manager{
		intents: make(map[string]*Intent),
		clock:   time.Now,
		timeout: timeout,
		logger:  slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Raise creates a pending intent and logs it at error level.
func (m *Manager) Raise(ctx context.Context, reason string, detail map[string]string) *Intent {
	now := m.clock()
	intent := &Intent{
		IntentID:  uuid.New().String(),
		Reason:    reason,
		Detail:    detail,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		Status:    StatusPending,
	}

	m.mu.Lock()
	m.intents[intent.IntentID] = intent
	m.mu.Unlock()

	m.logger.ErrorContext(ctx, "operator escalation raised",
		"intent_id", intent.IntentID, "reason", reason, "expires_at", intent.ExpiresAt)
	return intent
}

// Acknowledge resolves a pending intent on behalf of an operator.
func (m *Manager) Acknowledge(ctx context.Context, intentID, operator string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("escalation intent %q not found", intentID)
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("escalation intent %q is not PENDING (status=%s)", intentID, intent.Status)
	}

	now := m.clock()
	if now.After(intent.ExpiresAt) {
		intent.Status = StatusTimedOut
		return m.createReceipt(intent, now), nil
	}

	intent.Status = StatusAcknowledged
	receipt := m.createReceipt(intent, now)
	receipt.AcknowledgedBy = operator
	m.logger.InfoContext(ctx, "escalation acknowledged", "intent_id", intentID, "operator", operator)
	return receipt, nil
}

// CheckTimeouts expires pending intents past their deadline and returns a
// receipt for each.
func (m *Manager) CheckTimeouts(ctx context.Context) []*Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var receipts []*Receipt
	for _, intent := range m.intents {
		if intent.Status != StatusPending || !now.After(intent.ExpiresAt) {
			continue
		}
		intent.Status = StatusTimedOut
		receipts = append(receipts, m.createReceipt(intent, now))
		m.logger.WarnContext(ctx, "escalation timed out", "intent_id", intent.IntentID, "reason", intent.Reason)
	}
	return receipts
}

// Pending returns pending intents, oldest first.
func (m *Manager) Pending() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Intent
	for _, intent := range m.intents {
		if intent.Status == StatusPending {
			out = append(out, *intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) createReceipt(intent *Intent, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		IntentID:   intent.IntentID,
		Outcome:    intent.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(intent.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		IntentID string `json:"intent_id"`
		Outcome  Status `json:"outcome"`
	}{
		IntentID: intent.IntentID,
		Outcome:  intent.Status,
	}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])
	return receipt
}

// Policy raises an intent after a run of consecutive failed cycles.
type Policy struct {
	mu        sync.Mutex
	threshold int
	streak    int
	manager   *Manager
}

// NewPolicy escalates through manager once threshold consecutive cycles have
// failed. A threshold of zero disables escalation.
func NewPolicy(manager *Manager, threshold int) *Policy {
	return &Policy{manager: manager, threshold: threshold}
}

// Observe records one cycle outcome. It returns the intent raised, if any.
// A healthy cycle resets the streak; the streak also resets after raising, so
// a persistent outage escalates once per threshold cycles.
func (p *Policy) Observe(ctx context.Context, failed bool, detail map[string]string) *Intent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !failed {
		p.streak = 0
		return nil
	}
	p.streak++
	if p.threshold <= 0 || p.streak < p.threshold {
		return nil
	}
	p.streak = 0
	return p.manager.Raise(ctx, fmt.Sprintf("%d consecutive failed cycles", p.threshold), detail)
}

// Streak returns the current run of consecutive failed cycles.
func (p *Policy) Streak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak
}
