package governance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenDir keeps minted approval tokens as "<agent>.<action_type>.jwt"
// files so a scheduled run can pick up approvals granted out of band.
type TokenDir string

func (d TokenDir) path(agent, actionType string) (string, error) {
	for _, s := range []string{agent, actionType} {
		if s == "" || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
			return "", fmt.Errorf("invalid approval key %q", s)
		}
	}
	return filepath.Join(string(d), agent+"."+actionType+".jwt"), nil
}

// Save stores token for the agent and action.
func (d TokenDir) Save(agent, actionType, token string) error {
	p, err := d.path(agent, actionType)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(string(d), 0700); err != nil {
		return fmt.Errorf("create approval dir: %w", err)
	}
	return os.WriteFile(p, []byte(token+"\n"), 0600)
}

// Token returns the stored token, or "" if there is none.
func (d TokenDir) Token(agent, actionType string) string {
	p, err := d.path(agent, actionType)
	if err != nil {
		return ""
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Revoke removes a stored token.
func (d TokenDir) Revoke(agent, actionType string) error {
	p, err := d.path(agent, actionType)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
