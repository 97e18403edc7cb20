package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IDEWS_"

const (
	AckImmediate   = "immediate"
	AckInteractive = "interactive"

	VariantGdbStub  = "gdb_stub"
	VariantCoredump = "coredump"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	AckMode string `yaml:"ack_mode"`
}

type MonitorConfig struct {
	Command    []string          `yaml:"command"`
	ELF        string            `yaml:"elf"`
	SerialPort string            `yaml:"serial_port"`
	MinVersion string            `yaml:"min_version"`
	ExtraArgs  []string          `yaml:"extra_args"`
	Env        map[string]string `yaml:"env"`
}

type ScenarioConfig struct {
	Variant      string        `yaml:"variant"`
	LogDir       string        `yaml:"log_dir"`
	CrashTimeout time.Duration `yaml:"crash_timeout"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    0,
			Path:    "/",
			AckMode: AckImmediate,
		},
		Monitor: MonitorConfig{
			Command: []string{"python", "-m", "esp_idf_monitor"},
		},
		Scenario: ScenarioConfig{
			Variant:      VariantGdbStub,
			LogDir:       ".",
			CrashTimeout: 10 * time.Second,
			StepTimeout:  5 * time.Second,
			JoinTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays IDEWS_* environment variables on top of cfg. If dotenvPath
// is non-empty and the file exists it is loaded first; variables already set
// in the process environment win over the file.
func (c *Config) ApplyEnv(dotenvPath string) error {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", dotenvPath, err)
		}
	}

	setString(&c.Server.Host, "SERVER_HOST")
	setString(&c.Server.Path, "SERVER_PATH")
	setString(&c.Server.AckMode, "ACK_MODE")
	if err := setInt(&c.Server.Port, "SERVER_PORT"); err != nil {
		return err
	}

	if v, ok := lookup("MONITOR_COMMAND"); ok {
		c.Monitor.Command = strings.Fields(v)
	}
	setString(&c.Monitor.ELF, "ELF")
	setString(&c.Monitor.SerialPort, "SERIAL_PORT")
	setString(&c.Monitor.MinVersion, "MIN_VERSION")

	setString(&c.Scenario.Variant, "VARIANT")
	setString(&c.Scenario.LogDir, "LOG_DIR")
	for key, dst := range map[string]*time.Duration{
		"CRASH_TIMEOUT": &c.Scenario.CrashTimeout,
		"STEP_TIMEOUT":  &c.Scenario.StepTimeout,
		"JOIN_TIMEOUT":  &c.Scenario.JoinTimeout,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Server.AckMode {
	case AckImmediate, AckInteractive:
	default:
		return fmt.Errorf("invalid ack_mode %q", c.Server.AckMode)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return errors.New("server host must not be empty")
	}
	switch c.Scenario.Variant {
	case VariantGdbStub, VariantCoredump:
	default:
		return fmt.Errorf("invalid scenario variant %q", c.Scenario.Variant)
	}
	if len(c.Monitor.Command) == 0 {
		return errors.New("monitor command must not be empty")
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}
