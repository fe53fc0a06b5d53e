package registry

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Group is one pillar: a named set of workers executed together.
type Group struct {
	Name    string   `yaml:"name" json:"name"`
	Workers []string `yaml:"workers" json:"workers"`
}

// Manifest is the static list of workers each group requires. Group and
// worker order is preserved.
type Manifest struct {
	Groups []Group `yaml:"groups" json:"groups"`
}

// DefaultManifest returns the built-in pillars.
func DefaultManifest() Manifest {
	return Manifest{Groups: []Group{
		{Name: "WEALTH", Workers: []string{
			"treasurer", "accountant_agent", "loophole_scanner", "revenue_tracker",
			"tax_shield_agent", "investment_agent", "ip_arbitrage_engine", "defi_yield_agent",
		}},
		{Name: "SECURITY", Workers: []string{
			"cipher_agent", "traffic_masker", "emergency_protocol", "auditor_agent",
			"sentinel_agent", "backup_agent", "red_team_agent",
		}},
		{Name: "LABOR", Workers: []string{
			"ancestral_butler", "home_orchestrator", "purchasing_agent", "purge_agent",
			"scout_agent", "hardware_sentinel",
		}},
	}}
}

// LoadManifest reads a manifest file. An empty path yields the default.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate rejects empty names and workers listed twice.
func (m Manifest) Validate() error {
	var errs []error
	seenGroup := map[string]bool{}
	seenWorker := map[string]string{}
	for _, g := range m.Groups {
		if g.Name == "" {
			errs = append(errs, errors.New("group with empty name"))
			continue
		}
		if seenGroup[g.Name] {
			errs = append(errs, fmt.Errorf("group %s listed twice", g.Name))
		}
		seenGroup[g.Name] = true
		for _, w := range g.Workers {
			if w == "" {
				errs = append(errs, fmt.Errorf("group %s has an empty worker name", g.Name))
				continue
			}
			if prev, ok := seenWorker[w]; ok {
				errs = append(errs, fmt.Errorf("worker %s listed in %s and %s", w, prev, g.Name))
			}
			seenWorker[w] = g.Name
		}
	}
	return errors.Join(errs...)
}

// Required returns group name to worker names.
func (m Manifest) Required() map[string][]string {
	out := make(map[string][]string, len(m.Groups))
	for _, g := range m.Groups {
		out[g.Name] = append([]string(nil), g.Workers...)
	}
	return out
}

// GroupOf returns the group that requires worker.
func (m Manifest) GroupOf(worker string) (string, bool) {
	for _, g := range m.Groups {
		for _, w := range g.Workers {
			if w == worker {
				return g.Name, true
			}
		}
	}
	return "", false
}

// GroupNames returns group names in manifest order.
func (m Manifest) GroupNames() []string {
	out := make([]string, len(m.Groups))
	for i, g := range m.Groups {
		out[i] = g.Name
	}
	return out
}
