package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/governance"
)

// Segment is one index entry for an archived audit segment.
type Segment struct {
	Name       string    `json:"name"`
	Digest     string    `json:"digest"`
	Records    int       `json:"records"`
	FirstAt    time.Time `json:"first_at"`
	LastAt     time.Time `json:"last_at"`
	PrevHash   string    `json:"prev_hash"`
	LastHash   string    `json:"last_hash"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archiver seals the active audit log and ships the sealed segment to a
// Store. Every archived segment is appended to a local NDJSON index.
type Archiver struct {
	store     Store
	log       *governance.AuditLog
	indexPath string
	clock     func() time.Time
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewArchiver creates an archiver. indexPath defaults to
// "<audit dir>/archive.index.ndjson".
func NewArchiver(store Store, log *governance.AuditLog, indexPath string) *Archiver {
	if indexPath == "" {
		indexPath = filepath.Join(filepath.Dir(log.Path()), "archive.index.ndjson")
	}
	return &Archiver{
		store:     store,
		log:       log,
		indexPath: indexPath,
		clock:     time.Now,
		logger:    slog.Default().With("component", "archive"),
	}
}

// WithClock overrides the clock used for ArchivedAt.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// IndexPath returns the location of the segment index.
func (a *Archiver) IndexPath() string { return a.indexPath }

// ArchiveNow rotates the audit log and archives the sealed segment. It
// returns nil when the active log was empty. The segment must verify and
// link to the previous archived segment before it is stored; the local
// sealed file is removed only after the store and index writes succeed.
func (a *Archiver) ArchiveNow(ctx context.Context) (*Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sealed, err := a.log.Rotate()
	if err != nil {
		return nil, fmt.Errorf("rotate audit log: %w", err)
	}
	if sealed == "" {
		return nil, nil
	}
	return a.archiveFile(ctx, sealed)
}

// ArchiveFile archives an already sealed segment file, for segments left
// behind by an interrupted run.
func (a *Archiver) ArchiveFile(ctx context.Context, path string) (*Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveFile(ctx, path)
}

func (a *Archiver) archiveFile(ctx context.Context, path string) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sealed segment: %w", err)
	}

	seg := Segment{Name: filepath.Base(path)}
	err = governance.ReadAudit(bytes.NewReader(data), time.Time{}, time.Time{}, func(rec governance.AuditRecord) error {
		if seg.Records == 0 {
			seg.FirstAt = rec.Timestamp
			seg.PrevHash = rec.PrevHash
		}
		seg.Records++
		seg.LastAt = rec.Timestamp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", seg.Name, err)
	}

	last, _, err := governance.VerifyChain(bytes.NewReader(data), seg.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.Name, err)
	}
	seg.LastHash = last

	index, err := ReadIndex(a.indexPath)
	if err != nil {
		return nil, err
	}
	if n := len(index); n > 0 && index[n-1].LastHash != seg.PrevHash {
		return nil, fmt.Errorf("%w: segment %s does not follow %s", governance.ErrChainBroken, seg.Name, index[n-1].Name)
	}

	digest, err := a.store.Put(ctx, seg.Name, data)
	if err != nil {
		return nil, fmt.Errorf("store segment %s: %w", seg.Name, err)
	}
	seg.Digest = digest
	seg.ArchivedAt = a.clock().UTC()

	if err := appendIndex(a.indexPath, seg); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		a.logger.WarnContext(ctx, "archived segment left on disk", "path", path, "error", err)
	}

	a.logger.InfoContext(ctx, "audit segment archived",
		"segment", seg.Name, "records", seg.Records, "digest", seg.Digest)
	return &seg, nil
}

// Recover archives sealed segments left beside the active log by an
// interrupted run, oldest first, then resumes the audit chain from the last
// archived segment. It returns the segments archived.
func (a *Archiver) Recover(ctx context.Context) ([]Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, err := a.pendingSegments()
	if err != nil {
		return nil, err
	}
	var done []Segment
	for _, path := range pending {
		seg, err := a.archiveFile(ctx, path)
		if err != nil {
			return done, err
		}
		done = append(done, *seg)
	}

	index, err := ReadIndex(a.indexPath)
	if err != nil {
		return done, err
	}
	if n := len(index); n > 0 {
		a.log.Resume(index[n-1].LastHash)
	}
	return done, nil
}

// pendingSegments lists sealed files named "<base>.<timestamp><ext>" next to
// the active log. The timestamp layout sorts lexically.
func (a *Archiver) pendingSegments() ([]string, error) {
	active := a.log.Path()
	if active == "" {
		return nil, nil
	}
	ext := filepath.Ext(active)
	base := active[:len(active)-len(ext)]
	matches, err := filepath.Glob(base + ".*" + ext)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Verify fetches every indexed segment from the store and checks its digest
// and the hash chain across segments. It returns the number of records
// verified.
func (a *Archiver) Verify(ctx context.Context) (int, error) {
	index, err := ReadIndex(a.indexPath)
	if err != nil {
		return 0, err
	}
	total := 0
	prev := ""
	for i, seg := range index {
		data, err := a.store.Get(ctx, seg.Name)
		if err != nil {
			return total, err
		}
		if d := Digest(data); d != seg.Digest {
			return total, fmt.Errorf("segment %s digest mismatch: have %s want %s", seg.Name, d, seg.Digest)
		}
		if i > 0 && seg.PrevHash != prev {
			return total, fmt.Errorf("%w: segment %s does not follow %s", governance.ErrChainBroken, seg.Name, index[i-1].Name)
		}
		last, n, err := governance.VerifyChain(bytes.NewReader(data), seg.PrevHash)
		if err != nil {
			return total, fmt.Errorf("segment %s: %w", seg.Name, err)
		}
		total += n
		prev = last
	}
	return total, nil
}

// Expired returns indexed segments whose newest record is older than the
// retention window.
func Expired(index []Segment, retention time.Duration, now time.Time) []Segment {
	var out []Segment
	cutoff := now.Add(-retention)
	for _, seg := range index {
		if seg.LastAt.Before(cutoff) {
			out = append(out, seg)
		}
	}
	return out
}

// ReadIndex loads the segment index. A missing index is empty.
func ReadIndex(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Segment
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var seg Segment
		if err := json.Unmarshal(raw, &seg); err != nil {
			return nil, fmt.Errorf("archive index line %d: %w", len(out)+1, err)
		}
		out = append(out, seg)
	}
	return out, sc.Err()
}

func appendIndex(path string, seg Segment) error {
	line, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open archive index: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive index: %w", err)
	}
	return f.Close()
}
