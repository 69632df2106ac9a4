// Package config loads the platform configuration.
//
// Priority: WEAVE_* env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/weave/internal/agents"
	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// Config is the whole platform configuration.
type Config struct {
	Global    Global                   `yaml:"global"`
	Agents    map[string]agents.Config `yaml:"agents"`
	Workflows map[string]any           `yaml:"workflows"`
	Schedules []Schedule               `yaml:"schedules"`

	// Definitions holds the decoded Workflows, keyed by ID.
	Definitions map[string]*schema.WorkflowDefinition `yaml:"-"`
}

// Global holds engine-wide settings.
type Global struct {
	WorkspaceDir      string        `yaml:"workspace_dir"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"` // json | text
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	DBPath            string        `yaml:"db_path"` // empty keeps the catalog in memory
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

// Schedule triggers a catalogued workflow on a cron expression.
type Schedule struct {
	ID           string         `yaml:"id"`
	Workflow     string         `yaml:"workflow"`
	Cron         string         `yaml:"cron"`
	Params       map[string]any `yaml:"params"`
	WorkspaceDir string         `yaml:"workspace_dir"`
	Disabled     bool           `yaml:"disabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Global: Global{
			WorkspaceDir: filepath.Join(Dir(), "workspaces"),
			LogLevel:     "info",
			LogFormat:    "json",
			BaseDelay:    time.Second,
		},
		Agents:      map[string]agents.Config{},
		Workflows:   map[string]any{},
		Definitions: map[string]*schema.WorkflowDefinition{},
	}
}

// Dir is the per-user weave directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weave"
	}
	return filepath.Join(home, ".weave")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the configuration. An empty path falls back to DefaultPath and
// tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse config %s: %v", path, err).WithCause(err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg.Global, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML without consulting the file system or the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse config: %v", err).WithCause(err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(g *Global, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"WEAVE_WORKSPACE_DIR": &g.WorkspaceDir,
		"WEAVE_LOG_LEVEL":     &g.LogLevel,
		"WEAVE_LOG_FORMAT":    &g.LogFormat,
		"WEAVE_DB_PATH":       &g.DBPath,
		"WEAVE_METRICS_ADDR":  &g.MetricsAddr,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"WEAVE_BASE_DELAY": &g.BaseDelay,
		"WEAVE_MAX_DELAY":  &g.MaxDelay,
	}
	for key, dst := range dur {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s: %v", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("WEAVE_MAX_CONCURRENT_RUNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "WEAVE_MAX_CONCURRENT_RUNS: %v", err)
		}
		g.MaxConcurrentRuns = n
	}
	return nil
}

// resolve fills derived fields and checks cross-references.
func (c *Config) resolve() error {
	if c.Global.BaseDelay < 0 || c.Global.MaxDelay < 0 {
		return schema.NewError(schema.ErrCodeValidation, "global: delays must not be negative")
	}
	if c.Global.MaxConcurrentRuns < 0 {
		return schema.NewError(schema.ErrCodeValidation, "global: max_concurrent_runs must not be negative")
	}

	for id, ac := range c.Agents {
		if ac.APIKeyEnv != "" {
			ac.APIKey = os.Getenv(ac.APIKeyEnv)
			c.Agents[id] = ac
		}
	}

	defs, err := decodeWorkflows(c.Workflows)
	if err != nil {
		return err
	}
	c.Definitions = defs

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "schedules[%d]: id is required", i)
		}
		if seen[s.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "schedules[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Cron == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: cron is required", s.ID)
		}
		if _, ok := defs[s.Workflow]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: unknown workflow %q", s.ID, s.Workflow)
		}
	}
	return nil
}

func decodeWorkflows(raw map[string]any) (map[string]*schema.WorkflowDefinition, error) {
	out := make(map[string]*schema.WorkflowDefinition, len(raw))
	if len(raw) == 0 {
		return out, nil
	}
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc := raw[id]
		if m, ok := doc.(map[string]any); ok {
			if _, has := m["id"]; !has {
				m["id"] = id
			}
		}
		def, err := v.DecodeDefinition(doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: %v", id, err).WithCause(err)
		}
		if def.ID != id {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q: document id %q does not match its key", id, def.ID)
		}
		out[id] = def
	}
	return out, nil
}

// AgentIDs returns configured agent IDs, sorted.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
