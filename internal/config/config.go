package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/suite"
)

type RateLimitConfig struct {
	GlobalRPS      float64 `mapstructure:"global_rps"`
	PerIPRPS       float64 `mapstructure:"per_ip_rps"`
	PerIPBurst     int     `mapstructure:"per_ip_burst"`
	MaxConnections int     `mapstructure:"max_connections"`
}

type ServerConfig struct {
	Port           int             `mapstructure:"port"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type SandboxConfig struct {
	Runtime          string        `mapstructure:"runtime"`
	Image            string        `mapstructure:"image"`
	Images           []string      `mapstructure:"images"`
	Command          []string      `mapstructure:"command"`
	ArtifactPath     string        `mapstructure:"artifact_path"`
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"`
	Memory           string        `mapstructure:"memory"`
	PidsLimit        int64         `mapstructure:"pids_limit"`
	Network          bool          `mapstructure:"network"`
	LocalDir         string        `mapstructure:"local_dir"`
}

type CaseConfig struct {
	Input    string `mapstructure:"input"`
	Expected string `mapstructure:"expected_output"`
}

type GradingConfig struct {
	Suite   string        `mapstructure:"suite"`
	Timeout time.Duration `mapstructure:"timeout"`
	Cases   []CaseConfig  `mapstructure:"cases"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Grading GradingConfig `mapstructure:"grading"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// Load reads runbox.yaml from the working directory or $HOME/.runbox.
// A missing file is not an error; every key has a default.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("runbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.runbox")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads the config at path.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	home := os.Getenv("HOME")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit.global_rps", 50.0)
	v.SetDefault("server.rate_limit.per_ip_rps", 2.0)
	v.SetDefault("server.rate_limit.per_ip_burst", 5)
	v.SetDefault("server.rate_limit.max_connections", 100)

	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "python:3.9-slim")
	v.SetDefault("sandbox.images", sandbox.DefaultPolicy().Images)
	v.SetDefault("sandbox.command", []string{"python3", sandbox.ArtifactPlaceholder})
	v.SetDefault("sandbox.artifact_path", "/code.py")
	v.SetDefault("sandbox.provision_timeout", 30*time.Second)
	v.SetDefault("sandbox.memory", sandbox.DefaultPolicy().MaxMemory)
	v.SetDefault("sandbox.pids_limit", sandbox.DefaultPolicy().PidsLimit)
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.local_dir", os.TempDir())

	v.SetDefault("grading.timeout", suite.DefaultTimeout)

	v.SetDefault("storage.db_path", filepath.Join(home, ".runbox", "runbox.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Sandbox.Image = expandEnv(cfg.Sandbox.Image)
	cfg.Storage.DBPath = expandEnv(cfg.Storage.DBPath)
	cfg.Grading.Suite = expandEnv(cfg.Grading.Suite)

	switch cfg.Sandbox.Runtime {
	case "docker", "local":
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q (want docker or local)", cfg.Sandbox.Runtime)
	}
	if len(cfg.Sandbox.Command) == 0 {
		return nil, errors.New("sandbox.command is empty")
	}
	return &cfg, nil
}

// expandEnv replaces a value of the form ${VAR} with the variable's value.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Policy returns the sandbox resource policy.
func (c *Config) Policy() sandbox.Policy {
	return sandbox.Policy{
		MaxMemory: c.Sandbox.Memory,
		PidsLimit: c.Sandbox.PidsLimit,
		Network:   c.Sandbox.Network,
		Images:    c.Sandbox.Images,
	}
}

// Suite resolves the grading suite: a suite file wins over inline cases,
// and with neither the built-in suite is used. grading.timeout applies
// unless the suite file sets its own.
func (c *Config) Suite() (*suite.Suite, error) {
	if c.Grading.Suite != "" {
		return suite.Load(c.Grading.Suite)
	}
	if len(c.Grading.Cases) == 0 {
		s := suite.Default()
		if c.Grading.Timeout > 0 {
			s.Timeout = c.Grading.Timeout
		}
		return s, nil
	}

	s := &suite.Suite{Name: "inline", Timeout: c.Grading.Timeout}
	for _, tc := range c.Grading.Cases {
		s.Cases = append(s.Cases, suite.Case{Input: tc.Input, Expected: tc.Expected})
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("grading.cases: %w", err)
	}
	return s, nil
}
