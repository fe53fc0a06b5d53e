package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// wireRecord accepts both the current record shape and the older sentinel
// shape, which named the worker "agent" and wrote zone-less timestamps.
type wireRecord struct {
	Worker    string         `json:"worker"`
	Agent     string         `json:"agent"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func decodeRecord(raw []byte) (HealthRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return HealthRecord{}, fmt.Errorf("decode health record: %w", err)
	}
	status, err := ParseStatus(w.Status)
	if err != nil {
		return HealthRecord{}, err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return HealthRecord{}, err
	}
	name := w.Worker
	if name == "" {
		name = w.Agent
	}
	return HealthRecord{
		Worker:    name,
		Status:    status,
		Message:   w.Message,
		Timestamp: ts,
		Details:   w.Details,
	}, nil
}

// InvalidRecordError reports a stored or emitted health record that cannot
// be decoded or fails validation. It concerns one worker only.
type InvalidRecordError struct {
	Worker string
	Err    error
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid health record for %s: %v", e.Worker, e.Err)
}

func (e *InvalidRecordError) Unwrap() error { return e.Err }

// ErrorKind classifies the error for causal memory.
func (e *InvalidRecordError) ErrorKind() string { return KindInvalidRecord }

// KindInvalidRecord is the causal memory kind of an InvalidRecordError.
const KindInvalidRecord = "InvalidHealthRecord"

// SplitInvalid separates the per-worker record errors in err, as returned
// by SentinelStore.Latest, from store failures. rest is nil when every
// error concerned a single worker's record.
func SplitInvalid(err error) (invalid map[string]*InvalidRecordError, rest error) {
	if err == nil {
		return nil, nil
	}
	errs := []error{err}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		errs = multi.Unwrap()
	}
	var others []error
	for _, e := range errs {
		var ie *InvalidRecordError
		if errors.As(e, &ie) {
			if invalid == nil {
				invalid = make(map[string]*InvalidRecordError)
			}
			invalid[ie.Worker] = ie
			continue
		}
		others = append(others, e)
	}
	return invalid, errors.Join(others...)
}
