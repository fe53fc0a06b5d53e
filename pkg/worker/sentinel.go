package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoRecord is returned when a worker has not left a health record.
var ErrNoRecord = errors.New("no health record")

// SentinelStore keeps the latest health record per worker. A Put older
// than the stored record is ignored.
type SentinelStore interface {
	Put(ctx context.Context, rec HealthRecord) error
	Get(ctx context.Context, worker string) (HealthRecord, error)
	// Latest returns the records that exist among workers. A record that
	// cannot be read is left out and reported as an *InvalidRecordError
	// joined into the error; the remaining records are still returned. Use
	// SplitInvalid to tell those apart from store failures.
	Latest(ctx context.Context, workers []string) (map[string]HealthRecord, error)
}

func latestVia(ctx context.Context, s SentinelStore, workers []string) (map[string]HealthRecord, error) {
	out := make(map[string]HealthRecord, len(workers))
	var invalid []error
	for _, w := range workers {
		rec, err := s.Get(ctx, w)
		if errors.Is(err, ErrNoRecord) {
			continue
		}
		var ie *InvalidRecordError
		if errors.As(err, &ie) {
			invalid = append(invalid, err)
			continue
		}
		if err != nil {
			return out, errors.Join(append(invalid, err)...)
		}
		out[w] = rec
	}
	return out, errors.Join(invalid...)
}

// MemorySentinels is an in-process store.
type MemorySentinels struct {
	mu      sync.RWMutex
	records map[string]HealthRecord
}

func NewMemorySentinels() *MemorySentinels {
	return &MemorySentinels{records: make(map[string]HealthRecord)}
}

func (m *MemorySentinels) Put(_ context.Context, rec HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.Worker]; ok && cur.Timestamp.After(rec.Timestamp) {
		return nil
	}
	m.records[rec.Worker] = rec
	return nil
}

func (m *MemorySentinels) Get(_ context.Context, worker string) (HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[worker]
	if !ok {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, worker)
	}
	return rec, nil
}

func (m *MemorySentinels) Latest(ctx context.Context, workers []string) (map[string]HealthRecord, error) {
	return latestVia(ctx, m, workers)
}

const sentinelSchemaURL = "https://monolith.schemas.local/worker/sentinel.schema.json"

// sentinelSchema accepts current records and the older "agent" form.
const sentinelSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status"],
  "anyOf": [
    {"required": ["worker"]},
    {"required": ["agent"]}
  ],
  "properties": {
    "worker": {"type": "string", "minLength": 1},
    "agent": {"type": "string", "minLength": 1},
    "status": {"enum": ["GREEN", "YELLOW", "RED"]},
    "message": {"type": "string"},
    "timestamp": {"type": "string"},
    "details": {"type": "object"}
  }
}`

// FileSentinels stores one "<worker>.done" JSON file per worker. Files
// written by workers themselves are validated against the sentinel schema.
type FileSentinels struct {
	dir    string
	schema *jsonschema.Schema
	mu     sync.Mutex
}

// NewFileSentinels creates the directory if needed.
func NewFileSentinels(dir string) (*FileSentinels, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create sentinel dir: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(sentinelSchemaURL, strings.NewReader(sentinelSchema)); err != nil {
		return nil, fmt.Errorf("failed to load sentinel schema: %w", err)
	}
	schema, err := c.Compile(sentinelSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile sentinel schema: %w", err)
	}
	return &FileSentinels{dir: dir, schema: schema}, nil
}

// Dir returns the sentinel directory.
func (s *FileSentinels) Dir() string { return s.dir }

func (s *FileSentinels) path(worker string) (string, error) {
	if worker == "" || strings.ContainsAny(worker, `/\`) || strings.HasPrefix(worker, ".") {
		return "", fmt.Errorf("invalid worker name %q", worker)
	}
	return filepath.Join(s.dir, worker+".done"), nil
}

func (s *FileSentinels) Put(ctx context.Context, rec HealthRecord) error {
	p, err := s.path(rec.Worker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, err := s.read(p); err == nil && cur.Timestamp.After(rec.Timestamp) {
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("commit sentinel: %w", err)
	}
	return nil
}

func (s *FileSentinels) Get(ctx context.Context, worker string) (HealthRecord, error) {
	p, err := s.path(worker)
	if err != nil {
		return HealthRecord{}, err
	}
	rec, err := s.read(p)
	if err != nil {
		return HealthRecord{}, err
	}
	if rec.Worker != worker {
		return HealthRecord{}, &InvalidRecordError{Worker: worker,
			Err: fmt.Errorf("sentinel %s names worker %q", filepath.Base(p), rec.Worker)}
	}
	return rec, nil
}

func (s *FileSentinels) read(p string) (HealthRecord, error) {
	name := strings.TrimSuffix(filepath.Base(p), ".done")
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	if err != nil {
		return HealthRecord{}, err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return HealthRecord{}, &InvalidRecordError{Worker: name, Err: fmt.Errorf("sentinel %s: %w", filepath.Base(p), err)}
	}
	if err := s.schema.Validate(doc); err != nil {
		return HealthRecord{}, &InvalidRecordError{Worker: name, Err: fmt.Errorf("sentinel %s failed schema validation: %w", filepath.Base(p), err)}
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return HealthRecord{}, &InvalidRecordError{Worker: name, Err: err}
	}
	return rec, nil
}

func (s *FileSentinels) Latest(ctx context.Context, workers []string) (map[string]HealthRecord, error) {
	return latestVia(ctx, s, workers)
}
