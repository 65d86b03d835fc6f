package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/guseggert/cellrun/internal/files"
	"github.com/spf13/viper"
)

// FileName is the project configuration file, looked up from the working directory upwards.
const FileName = ".cellrun.toml"

// EngineLocal asks the CLI to start an engine in-process instead of connecting to one.
const EngineLocal = "local"

type Config struct {
	// Engine is the engine address, or EngineLocal.
	Engine   string `mapstructure:"engine"`
	RetryMax int    `mapstructure:"retry_max"`
	LogLevel string `mapstructure:"log_level"`
	// TLSDir holds the certificates for mutual TLS with the engine. Empty means plain HTTP.
	TLSDir string `mapstructure:"tls_dir"`

	Language    string `mapstructure:"language"`
	CommandMode string `mapstructure:"command_mode"`
	PromptMode  string `mapstructure:"prompt_mode"`
	ConvertEOL  bool   `mapstructure:"convert_eol"`

	SmartEnvStore bool `mapstructure:"smart_env_store"`
	// Secrets are variable names whose values are never echoed when prompted for.
	Secrets []string `mapstructure:"secrets"`

	// ProjectRoot is the directory holding the config file, or the starting directory if there is none.
	ProjectRoot string `mapstructure:"-"`
	// File is the config file that was loaded, if any.
	File string `mapstructure:"-"`
}

func Default() Config {
	return Config{
		Engine:      "127.0.0.1:7863",
		RetryMax:    4,
		LogLevel:    "warn",
		Language:    "sh",
		CommandMode: "inline",
		PromptMode:  "auto",
	}
}

// Load layers defaults, the project config file and CELLRUN_* environment variables.
func Load(dir string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("retry_max", defaults.RetryMax)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("tls_dir", defaults.TLSDir)
	v.SetDefault("language", defaults.Language)
	v.SetDefault("command_mode", defaults.CommandMode)
	v.SetDefault("prompt_mode", defaults.PromptMode)
	v.SetDefault("convert_eol", defaults.ConvertEOL)
	v.SetDefault("smart_env_store", defaults.SmartEnvStore)

	v.SetEnvPrefix("CELLRUN")
	v.AutomaticEnv()

	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return nil, fmt.Errorf("looking for %s: %w", FileName, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		err := v.ReadInConfig()
		if err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = path
	cfg.ProjectRoot, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if path != "" {
		cfg.ProjectRoot = filepath.Dir(path)
	}
	if cfg.TLSDir != "" && !filepath.IsAbs(cfg.TLSDir) {
		cfg.TLSDir = filepath.Join(cfg.ProjectRoot, cfg.TLSDir)
	}
	return &cfg, nil
}
