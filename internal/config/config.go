package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Workflow    WorkflowConfig    `json:"workflow"`
	Health      HealthConfig      `json:"health"`
	Database    DatabaseConfig    `json:"database"`
	Notify      NotifyConfig      `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type CoordinatorConfig struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Strategy           string   `json:"strategy"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	PollInterval       Duration `json:"poll_interval"`
	TaskTimeout        Duration `json:"task_timeout"`
	StateFile          string   `json:"state_file"`
	AutosaveInterval   Duration `json:"autosave_interval"`
}

type WorkflowConfig struct {
	MaxParallel    int      `json:"max_parallel"`
	DefaultTimeout Duration `json:"default_timeout"`
	TemplatesDir   string   `json:"templates_dir"`
	WatchTemplates bool     `json:"watch_templates"`
	RetryBaseDelay Duration `json:"retry_base_delay"`
}

type HealthConfig struct {
	Interval     Duration `json:"interval"`
	CheckTimeout Duration `json:"check_timeout"`
	MaxIdle      Duration `json:"max_idle"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type NotifyConfig struct {
	Slack   WebhookConfig `json:"slack"`
	Discord WebhookConfig `json:"discord"`
}

type WebhookConfig struct {
	WebhookURL string `json:"webhook_url"`
	Username   string `json:"username,omitempty"`
}

// Duration reads "30s" style strings, or plain numbers as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration: unsupported value %v", v)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3210},
		Coordinator: CoordinatorConfig{
			Name:               "conductor",
			Strategy:           "least-loaded",
			MaxConcurrentTasks: 5,
			PollInterval:       Duration(time.Second),
		},
		Workflow: WorkflowConfig{
			MaxParallel:    4,
			RetryBaseDelay: Duration(500 * time.Millisecond),
		},
		Health: HealthConfig{
			Interval:     Duration(30 * time.Second),
			CheckTimeout: Duration(5 * time.Second),
		},
		Database: DatabaseConfig{
			Redis: RedisConfig{Stream: "conductor:state"},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. Fields the file omits keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := expandEnv(string(data))

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})
}
