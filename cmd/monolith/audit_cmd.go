package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/monolith/pkg/archive"
	"github.com/Mindburn-Labs/monolith/pkg/governance"
)

// AuditCmd groups the audit trail commands.
type AuditCmd struct {
	Report  AuditReportCmd  `cmd:"" help:"Summarize the active audit log."`
	Archive AuditArchiveCmd `cmd:"" help:"Seal the audit log and ship it to the archive store."`
}

type AuditReportCmd struct {
	From  string        `help:"Start of the range (RFC 3339)."`
	To    string        `help:"End of the range (RFC 3339)."`
	Since time.Duration `help:"Only records newer than this (overrides --from)."`
}

func (c *AuditReportCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	from, err := parseTime(c.From)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := parseTime(c.To)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if c.Since > 0 {
		from = time.Now().Add(-c.Since)
	}

	var r io.Reader = strings.NewReader("")
	f, err := os.Open(cfg.Governance.AuditLogPath)
	switch {
	case err == nil:
		defer func() { _ = f.Close() }()
		r = f
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("open audit log: %w", err)
	}

	rep, err := governance.BuildComplianceReport(r, from, to)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(env.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

type AuditArchiveCmd struct {
	Verify  bool `help:"Verify every archived segment and the chain between them."`
	Expired bool `help:"List archived segments past governance.retention_days."`
}

func (c *AuditArchiveCmd) Run(env *Env) error {
	cfg, err := env.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := archive.NewStoreFromEnv(ctx, cfg.Store.DataDir)
	if err != nil {
		return err
	}
	log, err := governance.OpenAuditLog(cfg.Governance.AuditLogPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	a := archive.NewArchiver(store, log, "")
	recovered, err := a.Recover(ctx)
	if err != nil {
		return err
	}
	for _, seg := range recovered {
		printSegment(env.Stdout, "recovered", seg)
	}
	seg, err := a.ArchiveNow(ctx)
	if err != nil {
		return err
	}
	if seg != nil {
		printSegment(env.Stdout, "archived", *seg)
	} else {
		_, _ = fmt.Fprintln(env.Stdout, "audit log empty; nothing to archive")
	}

	if c.Verify {
		n, err := a.Verify(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(env.Stdout, "verified %d record(s)\n", n)
	}
	if c.Expired {
		index, err := archive.ReadIndex(a.IndexPath())
		if err != nil {
			return err
		}
		retention := time.Duration(cfg.Governance.RetentionDays) * 24 * time.Hour
		for _, s := range archive.Expired(index, retention, time.Now()) {
			printSegment(env.Stdout, "expired", s)
		}
	}
	return nil
}

func printSegment(w io.Writer, verb string, s archive.Segment) {
	_, _ = fmt.Fprintf(w, "%s %s (%d records, %s)\n", verb, s.Name, s.Records, s.Digest)
}
