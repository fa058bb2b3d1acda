package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every configuration validation failure so callers can
// fail fast before touching the network.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full application configuration.
type Config struct {
	IMAP     IMAPConfig     `mapstructure:"imap"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Runner   RunnerConfig   `mapstructure:"runner"`
}

// IMAPConfig describes the mailbox the pipeline polls.
type IMAPConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TLS         bool          `mapstructure:"tls"`
	Folder      string        `mapstructure:"folder"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SMTPConfig describes the outbound relay.
type SMTPConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	From        string        `mapstructure:"from"`
	TLS         bool          `mapstructure:"tls"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RedisConfig describes the registry key-value store.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	AccessCodeKey string        `mapstructure:"access_code_key"`
}

// PipelineConfig tunes the dispatch pipeline.
type PipelineConfig struct {
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	SearchWindow  time.Duration `mapstructure:"search_window"`
	Workers       int           `mapstructure:"workers"`
	StageTimeout  time.Duration `mapstructure:"stage_timeout"`
}

// ServerConfig describes the admin/registration HTTP API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds admin session settings.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// RunnerConfig holds the poll schedule.
type RunnerConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// Load reads config.yaml from the given path (if present) and applies
// ACESSOBOX_* environment overrides. Validation is left to the caller so
// commands that only need a subset of the settings can still run.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("ACESSOBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys with viper so AutomaticEnv picks
	// them up during Unmarshal even without a config file entry.
	for _, key := range []string{
		"imap.host", "imap.username", "imap.password",
		"smtp.host", "smtp.username", "smtp.password", "smtp.from",
		"redis.password", "auth.jwt_secret",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.dial_timeout", 5*time.Second)

	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.tls", true)
	v.SetDefault("smtp.dial_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.op_timeout", 3*time.Second)
	v.SetDefault("redis.access_code_key", "laundry:password")

	v.SetDefault("pipeline.subject_prefix", "REQ-CODE")
	v.SetDefault("pipeline.search_window", 0)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.stage_timeout", 15*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("auth.session_ttl", time.Hour)

	v.SetDefault("runner.schedule", "0 */2 * * * *")
	v.SetDefault("runner.task_timeout", 2*time.Minute)
}

// Validate checks everything the pipeline needs before any I/O happens.
func (c *Config) Validate() error {
	var missing []string
	if c.IMAP.Host == "" {
		missing = append(missing, "imap.host")
	}
	if c.IMAP.Username == "" {
		missing = append(missing, "imap.username")
	}
	if c.IMAP.Password == "" {
		missing = append(missing, "imap.password")
	}
	if c.SMTP.Host == "" {
		missing = append(missing, "smtp.host")
	}
	if c.SMTP.Username == "" {
		missing = append(missing, "smtp.username")
	}
	if c.SMTP.Password == "" {
		missing = append(missing, "smtp.password")
	}
	if c.Redis.Addr == "" {
		missing = append(missing, "redis.addr")
	}
	if c.Pipeline.SubjectPrefix == "" {
		missing = append(missing, "pipeline.subject_prefix")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("%w: pipeline.workers must be at least 1", ErrInvalid)
	}
	return nil
}

// ValidateServer adds the checks the HTTP API needs on top of Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: missing auth.jwt_secret", ErrInvalid)
	}
	return nil
}

// Addr returns host:port for the mailbox.
func (c *IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns host:port for the relay.
func (c *SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
