package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is one piece of content whose zaps are tracked. Relays overrides
// the global relay list when set.
type Target struct {
	Name   string   `yaml:"name"`
	NoteID string   `yaml:"note_id"`
	Relays []string `yaml:"relays"`
}

// Targets represents the full target configuration.
type Targets struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets loads the target list from the given path.
func LoadTargets(path string) (*Targets, error) {
	path = resolveEnvSpecificPath(path, DefaultTargetsPath, environmentTargetsPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	var cfg Targets
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	seen := make(map[string]struct{}, len(cfg.Targets))
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		t.NoteID = strings.TrimSpace(t.NoteID)
		if t.NoteID == "" {
			return nil, fmt.Errorf("targets[%d]: note_id is required", i)
		}
		if _, dup := seen[t.NoteID]; dup {
			return nil, fmt.Errorf("targets[%d]: duplicate note_id %s", i, t.NoteID)
		}
		seen[t.NoteID] = struct{}{}
		if t.Name == "" {
			t.Name = t.NoteID
		}
		t.Relays = normalizeRelayURLs(t.Relays)
		for _, u := range t.Relays {
			if !isRelayURL(u) {
				return nil, fmt.Errorf("targets[%d]: '%s' is not a ws:// or wss:// url", i, u)
			}
		}
	}

	if len(cfg.Targets) == 0 && IsProductionLike(AppEnvironment()) {
		return nil, fmt.Errorf("no targets configured for %s", AppEnvironment())
	}
	return &cfg, nil
}

// RelaysFor returns the relays a target should use.
func (c *Config) RelaysFor(t Target) []string {
	if len(t.Relays) > 0 {
		return t.Relays
	}
	return c.Relays.URLs
}
