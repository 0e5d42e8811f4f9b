// Package config loads the broker's startup configuration: listeners,
// system-topic interval, auth policy and ACL, and plugin-specific settings.
// It is read once at startup and handed to broker.New/protocol.Config
// builders; nothing in the broker re-reads it at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ListenerType names a transport a listener binds.
type ListenerType string

const (
	ListenerTCP ListenerType = "tcp"
	ListenerWS  ListenerType = "ws"
)

// Listener is one `listeners.<name>` entry.
type Listener struct {
	Type           ListenerType `mapstructure:"type"`
	Bind           string       `mapstructure:"bind"`
	MaxConnections int          `mapstructure:"max_connections"`
	SSL            bool         `mapstructure:"ssl"`
	CAFile         string       `mapstructure:"cafile"`
	CAPath         string       `mapstructure:"capath"`
	CAData         string       `mapstructure:"cadata"`
	CertFile       string       `mapstructure:"certfile"`
	KeyFile        string       `mapstructure:"keyfile"`
}

// Auth is the `auth` block.
type Auth struct {
	AllowAnonymous bool     `mapstructure:"allow-anonymous"`
	PasswordFile   string   `mapstructure:"password-file"`
	Plugins        []string `mapstructure:"plugins"`
}

// TopicCheck is the `topic-check` block.
type TopicCheck struct {
	Enabled bool                `mapstructure:"enabled"`
	Plugins []string            `mapstructure:"plugins"`
	ACL     map[string][]string `mapstructure:"acl"`
}

// Config is the full recognized configuration schema of spec.md §6.
type Config struct {
	Listeners   map[string]Listener              `mapstructure:"listeners"`
	SysInterval int                               `mapstructure:"sys_interval"`
	Auth        Auth                              `mapstructure:"auth"`
	TopicCheck  TopicCheck                        `mapstructure:"topic-check"`
	Plugins     map[string]map[string]interface{} `mapstructure:"plugins"`
}

// SysIntervalDuration returns SysInterval as a time.Duration, or 0 if
// system-topic publication is disabled (SysInterval == 0).
func (c *Config) SysIntervalDuration() time.Duration {
	if c.SysInterval == 0 {
		return 0
	}
	return time.Duration(c.SysInterval) * time.Second
}

func defaults(v *viper.Viper) {
	v.SetDefault("sys_interval", 10)
	v.SetDefault("auth.allow-anonymous", false)
	v.SetDefault("topic-check.enabled", false)
}

// Load reads configuration from path (YAML, TOML or JSON by extension) and
// overlays any QUILLMQ_-prefixed environment variables. A path that cannot
// be read or parsed is an error; an empty path skips the file and uses
// defaults plus environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("quillmq")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// sys_interval: 0 disables system-topic publication entirely (the
	// zero value is deliberate, not a bug: see BrokerConfig's documented
	// intent in the upstream implementation this broker is based on).
	return &cfg, nil
}

// Validate rejects a configuration that would leave the broker unable to
// accept any connection or with an ACL referencing a disabled feature.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("config: at least one listener is required")
	}
	for name, l := range c.Listeners {
		if l.Bind == "" {
			return fmt.Errorf("config: listener %q: bind is required", name)
		}
		if l.Type != ListenerTCP && l.Type != ListenerWS {
			return fmt.Errorf("config: listener %q: unknown type %q", name, l.Type)
		}
		if l.SSL && (l.CertFile == "" || l.KeyFile == "") {
			return fmt.Errorf("config: listener %q: ssl requires certfile and keyfile", name)
		}
	}
	if len(c.TopicCheck.ACL) > 0 && !c.TopicCheck.Enabled {
		return fmt.Errorf("config: topic-check.acl is set but topic-check.enabled is false")
	}
	if c.SysInterval < 0 {
		return fmt.Errorf("config: sys_interval must not be negative")
	}
	return nil
}
