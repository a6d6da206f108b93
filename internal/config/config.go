package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sitepunch.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Geofence struct {
		Enforce          bool    `yaml:"enforce"`
		DefaultRadiusM   float64 `yaml:"default_radius_m"`
		RecordOnClockOut bool    `yaml:"record_on_clock_out"`
	} `yaml:"geofence"`
	Review struct {
		MaxShiftHours          float64 `yaml:"max_shift_hours"`
		AutoClockOutAfterHours float64 `yaml:"auto_clock_out_after_hours"`
	} `yaml:"review"`
	Queue struct {
		Capacity      int `yaml:"capacity"`
		WarnThreshold int `yaml:"warn_threshold"`
		RetentionDays int `yaml:"retention_days"`
	} `yaml:"queue"`
	Webhooks []Webhook `yaml:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with sp tenant init --id <tenant>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Geofence.DefaultRadiusM <= 0 {
		return fmt.Errorf("config.geofence.default_radius_m must be positive")
	}
	if c.Review.MaxShiftHours <= 0 {
		return fmt.Errorf("config.review.max_shift_hours must be positive")
	}
	if c.Review.AutoClockOutAfterHours < c.Review.MaxShiftHours {
		return fmt.Errorf("config.review.auto_clock_out_after_hours must be >= max_shift_hours")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config.queue.capacity must be positive")
	}
	if c.Queue.WarnThreshold < 0 || c.Queue.WarnThreshold > c.Queue.Capacity {
		return fmt.Errorf("config.queue.warn_threshold must be between 0 and capacity")
	}
	if c.Queue.RetentionDays <= 0 {
		return fmt.Errorf("config.queue.retention_days must be positive")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, ev := range wh.Events {
			if ev == "" {
				return fmt.Errorf("webhook %s has empty event kind", wh.URL)
			}
		}
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be one of trace, debug, info, warn, error")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitepunch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s

geofence:
  enforce: true
  default_radius_m: 150
  record_on_clock_out: true

review:
  max_shift_hours: 12
  auto_clock_out_after_hours: 16

queue:
  capacity: 100
  warn_threshold: 50
  retention_days: 7

logging:
  level: info
`
