package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the runner configuration (conveyor.yaml).
type Config struct {
	DataDir string         `yaml:"data_dir"`
	Logging LoggingConfig  `yaml:"logging"`
	SMTP    SMTPConfig     `yaml:"smtp"`
	NATS    NATSConfig     `yaml:"nats"`
	Metrics MetricsConfig  `yaml:"metrics"`
	HTTP    HTTPConfig     `yaml:"http"`
	Daemon  DaemonConfig   `yaml:"daemon"`
	Retry   RetryConfig    `yaml:"retry"`
}

// DatabasePath returns the run history database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "conveyor.db")
}

// SMTPConfig holds outbound mail relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Enabled reports whether a relay is configured at all. Without one,
// mail post blocks are evaluated but delivery is skipped with a warning.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

// Addr returns the relay address in host:port form.
func (s SMTPConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// NATSConfig holds event publishing settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig toggles the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig holds the daemon HTTP server settings. BaseURL is the externally
// reachable prefix used when composing console-log links in notifications.
type HTTPConfig struct {
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"base_url"`
}

// DaemonConfig declares agents and the pipelines the daemon supervises.
type DaemonConfig struct {
	Agents    []AgentConfig `yaml:"agents"`
	Pipelines []PipelineRef `yaml:"pipelines"`
	QueueSize int           `yaml:"queue_size"`
}

// AgentConfig describes one execution host slot. An agent runs a single
// job at a time; its labels decide which pipelines it may accept.
type AgentConfig struct {
	Name    string   `yaml:"name"`
	Labels  []string `yaml:"labels"`
	Workdir string   `yaml:"workdir,omitempty"`
}

// HasLabel reports whether the agent carries the given capability label.
func (a AgentConfig) HasLabel(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// PipelineRef binds a pipeline file to its daemon-mode triggers.
type PipelineRef struct {
	File     string        `yaml:"file"`
	Schedule string        `yaml:"schedule,omitempty"` // cron expression or @every duration
	Poll     *PollConfig   `yaml:"poll,omitempty"`
}

// PollConfig describes a git remote to watch for new commits.
type PollConfig struct {
	URL      string        `yaml:"url"`
	Branch   string        `yaml:"branch"`
	Interval time.Duration `yaml:"interval"`
}

// RetryConfig holds backoff settings for transient operations
// (git polling, NATS reconnects). Pipeline stages are never retried.
type RetryConfig struct {
	Backoff    RetryBackoffMode `yaml:"backoff"`
	Initial    time.Duration    `yaml:"initial"`
	Max        time.Duration    `yaml:"max"`
	MaxRetries int              `yaml:"max_retries"`
}

// Load loads the runner configuration from the specified file.
func Load(configPath string) (*Config, error) {
	loadEnvFile(filepath.Dir(configPath))

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFile loads a .env file next to the config when present. Missing
// files are fine; existing process variables are never overwritten.
func loadEnvFile(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "Note: %s could not be loaded: %v\n", path, err)
			continue
		}
		return
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./conveyor-data"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "conveyor"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8099"
	}
	if c.HTTP.BaseURL == "" {
		c.HTTP.BaseURL = "http://localhost:8099"
	}
	if c.Daemon.QueueSize <= 0 {
		c.Daemon.QueueSize = 100
	}
	c.Logging.applyDefaults()
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Daemon.Agents))
	for i, agent := range c.Daemon.Agents {
		if agent.Name == "" {
			return fmt.Errorf("daemon.agents[%d]: name is required", i)
		}
		if seen[agent.Name] {
			return fmt.Errorf("daemon.agents: duplicate agent name %q", agent.Name)
		}
		seen[agent.Name] = true
		if len(agent.Labels) == 0 {
			return fmt.Errorf("daemon.agents[%d] (%s): at least one label is required", i, agent.Name)
		}
	}
	for i, ref := range c.Daemon.Pipelines {
		if ref.File == "" {
			return fmt.Errorf("daemon.pipelines[%d]: file is required", i)
		}
		if ref.Poll != nil {
			if ref.Poll.URL == "" {
				return fmt.Errorf("daemon.pipelines[%d]: poll.url is required", i)
			}
			if ref.Poll.Interval <= 0 {
				return fmt.Errorf("daemon.pipelines[%d]: poll.interval must be positive", i)
			}
		}
	}
	if c.SMTP.Enabled() && c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when a relay host is configured")
	}
	return nil
}
