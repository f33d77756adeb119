package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"civicwatch/internal/notify"
	"civicwatch/internal/risk"
)

// Config models civicwatch.yml. Threshold defaults live here, not in the
// evaluator: a missing or invalid config is fatal at startup, never mid-scan.
type Config struct {
	Portal struct {
		Name string `yaml:"name"`
	} `yaml:"portal"`
	Risk struct {
		Thresholds         risk.Thresholds `yaml:"thresholds"`
		GPSToleranceKm     float64         `yaml:"gps_tolerance_km"`
		ComplaintThreshold int             `yaml:"complaint_threshold"`
	} `yaml:"risk"`
	Scan struct {
		Schedule       string `yaml:"schedule"`
		ProjectTimeout string `yaml:"project_timeout"`
	} `yaml:"scan"`
	Alerts struct {
		Enabled   bool              `yaml:"enabled"`
		Recipient string            `yaml:"recipient"`
		SMTP      notify.SMTPConfig `yaml:"smtp"`
	} `yaml:"alerts"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	th := c.Risk.Thresholds
	if th.BudgetOverrunPct <= 0 || th.BudgetOverrunPct > 100 {
		return fmt.Errorf("risk.thresholds.budget_overrun_percent must be in (0,100], got %v", th.BudgetOverrunPct)
	}
	if th.CompletionLagPct <= 0 || th.CompletionLagPct > 100 {
		return fmt.Errorf("risk.thresholds.completion_lag_percent must be in (0,100], got %v", th.CompletionLagPct)
	}
	if th.DelayDays <= 0 {
		return fmt.Errorf("risk.thresholds.delay_days must be positive, got %d", th.DelayDays)
	}
	if th.BudgetSpikePct <= 0 {
		return fmt.Errorf("risk.thresholds.budget_spike_percent must be positive, got %v", th.BudgetSpikePct)
	}
	if c.Risk.GPSToleranceKm <= 0 {
		return fmt.Errorf("risk.gps_tolerance_km must be positive, got %v", c.Risk.GPSToleranceKm)
	}
	if c.Risk.ComplaintThreshold <= 0 {
		return fmt.Errorf("risk.complaint_threshold must be positive, got %d", c.Risk.ComplaintThreshold)
	}
	if _, err := cron.ParseStandard(c.Scan.Schedule); err != nil {
		return fmt.Errorf("scan.schedule %q is not a valid cron expression: %w", c.Scan.Schedule, err)
	}
	if _, err := time.ParseDuration(c.Scan.ProjectTimeout); err != nil {
		return fmt.Errorf("scan.project_timeout %q: %w", c.Scan.ProjectTimeout, err)
	}
	if c.Alerts.Enabled {
		if c.Alerts.Recipient == "" {
			return fmt.Errorf("alerts.recipient is required when alerts are enabled")
		}
		if c.Alerts.SMTP.Host == "" {
			return fmt.Errorf("alerts.smtp.host is required when alerts are enabled")
		}
		if c.Alerts.SMTP.From == "" {
			return fmt.Errorf("alerts.smtp.from is required when alerts are enabled")
		}
	}
	return nil
}

// ProjectTimeout returns the parsed per-project scan timeout. Validate has
// already rejected unparseable values.
func (c *Config) ProjectTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scan.ProjectTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicwatch.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `portal:
  name: CivicWatch

risk:
  thresholds:
    # spend ratio above which overspend is suspicious
    budget_overrun_percent: 90
    # completion ceiling that, combined with overrun, signals risk
    completion_lag_percent: 50
    # days past expected end before timeline risk triggers
    delay_days: 30
    # percent increase over the original budget that signals a spike
    budget_spike_percent: 20
  gps_tolerance_km: 25
  complaint_threshold: 10

scan:
  # every 6 hours
  schedule: "0 */6 * * *"
  project_timeout: 15s

alerts:
  enabled: false
  recipient: ""
  smtp:
    host: ""
    port: 587
    username: ""
    password: ""
    from: ""
`
