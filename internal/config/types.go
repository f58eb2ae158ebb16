// Package config provides configuration loading for taskflow.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// BackendConfig configures the NATS command surface.
type BackendConfig struct {
	// URL is the NATS server the backend listens on.
	URL string `koanf:"url"`

	// RequestTimeout bounds every backend command call.
	RequestTimeout Duration `koanf:"request_timeout"`

	// CommandPrefix is the subject prefix for request/reply commands.
	CommandPrefix string `koanf:"command_prefix"`

	// ProgressSubject is the event-stream subject for progress events.
	ProgressSubject string `koanf:"progress_subject"`
}

// WorkflowConfig tunes the phase machine.
type WorkflowConfig struct {
	// SkipConfiguration auto-advances past the configuring phase.
	SkipConfiguration bool `koanf:"skip_configuration"`

	// InterviewEnabled routes the workflow through the interviewing
	// phase before PRD generation.
	InterviewEnabled bool `koanf:"interview_enabled"`

	// GenerateDesignDoc inserts the design-document step between PRD
	// approval and execution.
	GenerateDesignDoc bool `koanf:"generate_design_doc"`

	// PollInterval is the execution-status fallback poll period.
	PollInterval Duration `koanf:"poll_interval"`

	// Provider/Model/BaseURL select the generation backend for PRD and
	// design-doc commands. Empty values defer to backend defaults.
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`

	// MaxContextTokens caps conversation context carried into PRD
	// generation. 0 defers to the backend.
	MaxContextTokens int `koanf:"max_context_tokens"`
}

// Config is the root taskflow configuration.
type Config struct {
	Backend  BackendConfig  `koanf:"backend"`
	Workflow WorkflowConfig `koanf:"workflow"`
	Logging  logging.Config `koanf:"logging"`
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url cannot be empty")
	}
	if c.Backend.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("backend.request_timeout must be > 0")
	}
	if c.Backend.CommandPrefix == "" {
		return fmt.Errorf("backend.command_prefix cannot be empty")
	}
	if c.Backend.ProgressSubject == "" {
		return fmt.Errorf("backend.progress_subject cannot be empty")
	}
	if c.Workflow.PollInterval.Duration() <= 0 {
		return fmt.Errorf("workflow.poll_interval must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
