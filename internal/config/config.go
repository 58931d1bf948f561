package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SerialPort    string        `yaml:"serial_port"`
	BaudRate      int           `yaml:"baud_rate"`
	LineDelimiter string        `yaml:"line_delimiter"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	NodeID        string        `yaml:"node_id"`

	// Bridged addresses commands to NodeID through a companion bridge
	// instead of the locally attached node.
	Bridged bool `yaml:"bridged"`

	DBPath           string          `yaml:"db_path"`
	SectionTimeout   time.Duration   `yaml:"section_timeout"`
	DebounceDelay    time.Duration   `yaml:"debounce_delay"`
	NotReadyBackoff  []time.Duration `yaml:"not_ready_backoff"`
	JournalTTL       time.Duration   `yaml:"journal_ttl"`
	RetentionEvery   time.Duration   `yaml:"retention_every"`
	LinkDownWindow   time.Duration   `yaml:"link_down_window"`
	LinkDownFailures int             `yaml:"link_down_failures"`
	LinkRecoverOKs   int             `yaml:"link_recover_oks"`
	LogLevel         string          `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		SerialPort:       "/dev/ttyUSB0",
		BaudRate:         115200,
		LineDelimiter:    "\r\n",
		SettleDelay:      1500 * time.Millisecond,
		WriteTimeout:     2 * time.Second,
		DBPath:           defaultDBPath(),
		SectionTimeout:   12 * time.Second,
		DebounceDelay:    500 * time.Millisecond,
		NotReadyBackoff:  []time.Duration{500 * time.Millisecond, 1 * time.Second, 2 * time.Second},
		JournalTTL:       14 * 24 * time.Hour,
		RetentionEvery:   time.Hour,
		LinkDownWindow:   30 * time.Second,
		LinkDownFailures: 3,
		LinkRecoverOKs:   2,
		LogLevel:         "info",
	}
}

// Load overlays the YAML file at path on the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NODEADM_PORT"); v != "" {
		c.SerialPort = v
	}
	if v := os.Getenv("NODEADM_NODE"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("NODEADM_DB"); v != "" {
		c.DBPath = v
	}
}

func (c Config) Validate() error {
	if c.SectionTimeout <= 0 {
		return fmt.Errorf("section_timeout must be positive")
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("debounce_delay must be positive")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive")
	}
	if c.Bridged && strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("bridged mode requires node_id")
	}
	for _, b := range c.NotReadyBackoff {
		if b <= 0 {
			return fmt.Errorf("not_ready_backoff entries must be positive")
		}
	}
	return nil
}

// DefaultConfigPath is $XDG_CONFIG_HOME/nodeadm/config.yaml.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nodeadm", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "nodeadm.yaml"
	}
	return filepath.Join(home, ".config", "nodeadm", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nodeadm.db"
	}
	return filepath.Join(home, ".local", "state", "nodeadm", "state.db")
}
