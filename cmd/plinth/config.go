package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the plinth configuration file (~/.config/plinth/config.yaml).
type Config struct {
	ProgramsDir string `yaml:"programs_dir"`
	CacheDir    string `yaml:"cache_dir"`

	// Execution defaults
	DefaultMethod string `yaml:"default_method"`
	Verify        string `yaml:"verify"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "plinth", "config.yaml")
}

// applyLoggingConfig applies config file logging defaults when the
// corresponding CLI flag was not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyRunConfig applies config file defaults to run command variables.
func applyRunConfig(c *cli.Command, cfg Config, method *string) {
	if cfg.ProgramsDir != "" && !c.IsSet("programs-path") {
		programsPath = cfg.ProgramsDir
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Verify != "" && !c.IsSet("verify") {
		verifyMode = cfg.Verify
	}
	if cfg.DefaultMethod != "" && !c.IsSet("method") {
		*method = cfg.DefaultMethod
	}
	applyLoggingConfig(c, cfg)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ProgramsDir != "" && !c.IsSet("programs-path") {
		programsPath = cfg.ProgramsDir
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Verify != "" && !c.IsSet("verify") {
		verifyMode = cfg.Verify
	}
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	applyLoggingConfig(c, cfg)
}

// applyPullConfig applies config file defaults to pull command variables.
func applyPullConfig(c *cli.Command, cfg Config) {
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	applyLoggingConfig(c, cfg)
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
