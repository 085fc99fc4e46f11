// Package config loads scenedav configuration from an optional YAML file
// and SCENEDAV_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/badgermind/scenedav/internal/auth"
	"github.com/badgermind/scenedav/internal/convert"
	"github.com/badgermind/scenedav/internal/logging"
	"github.com/badgermind/scenedav/internal/vcs"
)

// EnvPrefix prefixes every environment override, e.g.
// SCENEDAV_STORAGE_ROOT for storage.root.
const EnvPrefix = "SCENEDAV"

const redacted = "<redacted>"

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Converters ConvertersConfig `mapstructure:"converters"`
	VCS        VCSConfig        `mapstructure:"vcs"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	MetricsAddr     string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
	Output string `mapstructure:"output" validate:"required"`
}

type StorageConfig struct {
	Root              string   `mapstructure:"root" validate:"required,dir"`
	DefaultDocument   string   `mapstructure:"default_document" validate:"required,excludesall=/\\"`
	ForbiddenSuffixes []string `mapstructure:"forbidden_suffixes"`
	MaxUploadSize     int64    `mapstructure:"max_upload_size" validate:"gte=0"`
}

type AuthConfig struct {
	Realm            string            `mapstructure:"realm" validate:"required,excludesall=\""`
	Users            map[string]string `mapstructure:"users" validate:"dive,keys,required,excludesall=:,endkeys,startswith=$2"`
	JWTSecret        string            `mapstructure:"jwt_secret" validate:"omitempty,min=16"`
	TokenTTL         time.Duration     `mapstructure:"token_ttl" validate:"gt=0"`
	RemoteUserHeader string            `mapstructure:"remote_user_header"`
}

type ConvertersConfig struct {
	FBXConvert    string        `mapstructure:"fbx_convert" validate:"required"`
	ScriptConvert string        `mapstructure:"script_convert" validate:"required"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxConcurrent int64         `mapstructure:"max_concurrent" validate:"gte=1"`
	BufferBytes   int           `mapstructure:"buffer_bytes" validate:"gte=0"`
}

type VCSConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	GitBinary string        `mapstructure:"git_binary" validate:"required_if=Enabled true"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

var validate = validator.New()

// Load reads configPath (if non-empty) and the environment, applies
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Effective renders the merged file, environment and default settings as
// YAML. The JWT secret is redacted.
func Effective(configPath string) ([]byte, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	settings := v.AllSettings()
	if a, ok := settings["auth"].(map[string]any); ok {
		if secret, _ := a["jwt_secret"].(string); secret != "" {
			a["jwt_secret"] = redacted
		}
	}
	return yaml.Marshal(settings)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("storage.root", ".")
	v.SetDefault("storage.default_document", "scene.bsd")
	v.SetDefault("storage.forbidden_suffixes", []string{".php"})
	v.SetDefault("storage.max_upload_size", int64(1<<30))

	v.SetDefault("auth.realm", "scenedav")
	v.SetDefault("auth.users", map[string]string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.remote_user_header", "")

	v.SetDefault("converters.fbx_convert", "fbx_convert")
	v.SetDefault("converters.script_convert", "script_convert")
	v.SetDefault("converters.timeout", 60*time.Second)
	v.SetDefault("converters.max_concurrent", 4)
	v.SetDefault("converters.buffer_bytes", 8<<20)

	v.SetDefault("vcs.enabled", true)
	v.SetDefault("vcs.git_binary", "git")
	v.SetDefault("vcs.timeout", 30*time.Second)
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}
	return nil
}

// LoggingOptions returns the logger settings.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}

// AuthOptions returns the authenticator settings.
func (c *Config) AuthOptions() auth.Config {
	return auth.Config{
		Realm:            c.Auth.Realm,
		Users:            c.Auth.Users,
		JWTSecret:        c.Auth.JWTSecret,
		RemoteUserHeader: c.Auth.RemoteUserHeader,
		TokenTTL:         c.Auth.TokenTTL,
	}
}

// RunnerOptions returns the converter process limits.
func (c *Config) RunnerOptions() convert.RunnerConfig {
	return convert.RunnerConfig{
		Timeout:       c.Converters.Timeout,
		MaxConcurrent: c.Converters.MaxConcurrent,
		BufferBytes:   c.Converters.BufferBytes,
	}
}

// ConverterBinaries returns the external converter commands.
func (c *Config) ConverterBinaries() convert.Converters {
	return convert.Converters{
		FBXConvert:    c.Converters.FBXConvert,
		ScriptConvert: c.Converters.ScriptConvert,
	}
}

// VCSClient returns the version-control collaborator, or vcs.Disabled
// when version control is turned off.
func (c *Config) VCSClient() vcs.Client {
	if !c.VCS.Enabled {
		return vcs.Disabled{}
	}
	return vcs.NewGit(vcs.GitConfig{
		Binary:  c.VCS.GitBinary,
		Timeout: c.VCS.Timeout,
	})
}
