package agents

import (
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Kind names a built-in agent implementation.
type Kind string

const (
	KindCommand Kind = "command"
	KindHTTP    Kind = "http"
	KindEcho    Kind = "echo"
)

// Config is the declarative description of one agent, as found in the
// platform config file under `agents`.
type Config struct {
	Kind              Kind              `yaml:"kind" json:"kind"`
	RequestsPerMinute int               `yaml:"requests_per_minute,omitempty" json:"requests_per_minute,omitempty"`
	Timeout           time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env               map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// command
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty" json:"dir,omitempty"`

	// http
	Endpoint    string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Model       string            `yaml:"model,omitempty" json:"model,omitempty"`
	APIKeyEnv   string            `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	APIKey      string            `yaml:"-" json:"-"`
	MaxTokens   int               `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64           `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// echo
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Build constructs an agent from its configuration.
func Build(id string, cfg Config) (Agent, error) {
	var agent Agent
	switch cfg.Kind {
	case KindCommand:
		if cfg.Command == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q: command is required", id)
		}
		agent = NewCommandAgent(id, CommandConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Timeout: cfg.Timeout,
		})
	case KindHTTP:
		if cfg.Endpoint == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q: endpoint is required", id)
		}
		agent = NewHTTPAgent(id, HTTPConfig{
			Endpoint:    cfg.Endpoint,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Headers:     cfg.Headers,
			Timeout:     cfg.Timeout,
		})
	case KindEcho, "":
		agent = NewEchoAgent(id, cfg.Prefix)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent %q: unknown kind %q", id, cfg.Kind)
	}
	return WithRateLimit(agent, cfg.RequestsPerMinute), nil
}

// BuildRegistry builds and registers every configured agent.
func BuildRegistry(configs map[string]Config) (*Registry, error) {
	reg := NewRegistry()
	for id, cfg := range configs {
		agent, err := Build(id, cfg)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(agent); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
