package governance

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// ComplianceStatus is the audit verdict for an action.
type ComplianceStatus string

const (
	Compliant      ComplianceStatus = "COMPLIANT"
	RequiresReview ComplianceStatus = "REQUIRES_REVIEW"
)

// AuditRecord is one line of the audit log.
type AuditRecord struct {
	ID               string           `json:"id"`
	Agent            string           `json:"agent"`
	ActionType       string           `json:"action_type"`
	Timestamp        time.Time        `json:"timestamp"`
	Inputs           map[string]any   `json:"inputs"`
	Outputs          map[string]any   `json:"outputs"`
	HumanApproved    bool             `json:"human_approved"`
	Approver         string           `json:"approver,omitempty"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	RequiresApproval bool             `json:"requires_approval"`
	ComplianceStatus ComplianceStatus `json:"compliance_status"`
	MatchedRules     []string         `json:"matched_rules,omitempty"`
	PrevHash         string           `json:"prev_hash"`
	Hash             string           `json:"hash"`
}

// computeHash returns the sha256 of the record's canonical JSON with Hash
// cleared.
func (r AuditRecord) computeHash() (string, error) {
	r.Hash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// AuditLog is an append-only NDJSON log. Each record carries the hash of its
// predecessor, so edits and deletions are detectable by VerifyChain.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   io.Writer
	lastHash string
	clock    func() time.Time
}

// NewAuditLog writes records to w. It is meant for tests and streaming sinks.
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{writer: w, clock: time.Now}
}

// OpenAuditLog opens path for appending, creating it if needed, and resumes
// the hash chain from its last record.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	last, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{path: path, file: f, writer: f, lastHash: last, clock: time.Now}, nil
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var last string
	err = ReadAudit(f, time.Time{}, time.Time{}, func(r AuditRecord) error {
		last = r.Hash
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("resume audit chain: %w", err)
	}
	return last, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *AuditLog) WithClock(clock func() time.Time) *AuditLog {
	l.clock = clock
	return l
}

// LastHash returns the hash of the most recent record.
func (l *AuditLog) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Resume continues the chain from hash when the log holds no records yet,
// as after earlier segments were archived away. It is a no-op otherwise.
func (l *AuditLog) Resume(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastHash == "" {
		l.lastHash = hash
	}
}

// Path returns the active log file, or "" for writer-backed logs.
func (l *AuditLog) Path() string { return l.path }

// Append stamps rec with an id, timestamp and chain hashes and writes it as
// one line. rec is updated in place.
func (l *AuditLog) Append(ctx context.Context, rec *AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}
	if rec.Inputs == nil {
		rec.Inputs = map[string]any{}
	}
	if rec.Outputs == nil {
		rec.Outputs = map[string]any{}
	}
	rec.PrevHash = l.lastHash
	h, err := rec.computeHash()
	if err != nil {
		return err
	}
	rec.Hash = h

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	l.lastHash = h
	return nil
}

// Rotate seals the active file under a timestamped name and starts a new one.
// The hash chain continues across segments. It returns the sealed path, or ""
// when the active file was empty.
func (l *AuditLog) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return "", errors.New("audit log is not file-backed")
	}
	info, err := l.file.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", nil
	}
	if err := l.file.Close(); err != nil {
		return "", err
	}

	ext := filepath.Ext(l.path)
	sealed := fmt.Sprintf("%s.%s%s", l.path[:len(l.path)-len(ext)], l.clock().UTC().Format("20060102T150405.000000000Z"), ext)
	if err := os.Rename(l.path, sealed); err != nil {
		return "", fmt.Errorf("seal audit segment: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return "", fmt.Errorf("reopen audit log: %w", err)
	}
	l.file = f
	l.writer = f
	return sealed, nil
}

// Close closes the underlying file, if any.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAudit streams records from r, calling fn for those with a timestamp
// in [from, to]. A zero bound is open.
func ReadAudit(r io.Reader, from, to time.Time, fn func(AuditRecord) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("audit line %d: %w", line, err)
		}
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Timestamp.After(to) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ErrChainBroken reports a record whose hashes do not match the log.
var ErrChainBroken = errors.New("audit chain broken")

// VerifyChain recomputes every record hash and checks each prev_hash link.
// prev is the hash expected before the first record ("" for a fresh log).
func VerifyChain(r io.Reader, prev string) (last string, n int, err error) {
	err = ReadAudit(r, time.Time{}, time.Time{}, func(rec AuditRecord) error {
		n++
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: record %d (%s) prev_hash mismatch", ErrChainBroken, n, rec.ID)
		}
		h, err := rec.computeHash()
		if err != nil {
			return err
		}
		if h != rec.Hash {
			return fmt.Errorf("%w: record %d (%s) hash mismatch", ErrChainBroken, n, rec.ID)
		}
		prev = rec.Hash
		return nil
	})
	return prev, n, err
}
