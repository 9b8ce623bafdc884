package config

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all gateway environment variables
// (e.g. LARKGATE_PORT, LARKGATE_IDP_APP_ID).
const envPrefix = "LARKGATE"

// Config holds the gateway configuration loaded from environment variables.
//
// All fields have working defaults except the three IdP fields, which are
// mandatory: the gateway cannot mediate the authorization flow without an
// app id, an app secret and a registered redirect URI.
type Config struct {
	// HTTP surface
	Port int    `mapstructure:"port" default:"3000" validate:"gt=0,lt=65536"`
	Host string `mapstructure:"host" default:"localhost"`
	Bind string `mapstructure:"bind" default:"0.0.0.0"`

	// Identity provider (mandatory)
	IdPAppID       string `mapstructure:"idp_app_id" validate:"required"`
	IdPAppSecret   string `mapstructure:"idp_app_secret" validate:"required" secret:"true"`
	IdPRedirectURI string `mapstructure:"idp_redirect_uri" validate:"required,startswith=http"`
	// IdPBaseURL is the IdP endpoint root; the authorize, access_token,
	// refresh_access_token and user_info paths hang off it.
	IdPBaseURL string `mapstructure:"idp_base_url" default:"https://open.larksuite.com"`

	// Worker fleet
	WorkerBin         string `mapstructure:"worker_bin" default:"lark-mcp" validate:"required"`
	WorkerBasePort    int    `mapstructure:"worker_base_port" default:"3001" validate:"gt=0,lt=65536"`
	WorkerDefaultPort int    `mapstructure:"worker_default_port" default:"3100" validate:"gt=0,lt=65536"`
	PortWindow        int    `mapstructure:"port_window" default:"1000" validate:"gt=0"`
	MaxInstances      int    `mapstructure:"max_instances" default:"20" validate:"gt=0"`
	IdleTimeoutMs     int    `mapstructure:"idle_timeout_ms" default:"1800000" validate:"gt=0"`
	MemoryCapMB       int    `mapstructure:"memory_cap_mb" default:"2048"`

	// Rate limiting (per session first, originating IP fallback)
	RateLimit        int `mapstructure:"rate_limit" default:"100" validate:"gt=0"`
	RateWindowMs     int `mapstructure:"rate_window_ms" default:"60000" validate:"gt=0"`
	RateLimitPerIP   int `mapstructure:"rate_limit_per_ip" default:"300" validate:"gt=0"`
	MaxSessions      int `mapstructure:"max_sessions" default:"1000" validate:"gt=0"`
	SessionTTLHours  int `mapstructure:"session_ttl_hours" default:"24" validate:"gt=0"`
	SnapshotInterval int `mapstructure:"snapshot_interval_ms" default:"60000" validate:"gt=0"`

	// Storage
	DataDir    string `mapstructure:"data_dir" default:"./data" validate:"required"`
	TokenTTLMs int    `mapstructure:"token_ttl_ms" default:"300000" validate:"gt=0"`
	// TokenKey optionally enables authenticated encryption of tokens.json.
	// Base64-encoded 32-byte key; empty means the canonical plaintext schema.
	TokenKey string `mapstructure:"token_key" secret:"true"`

	LogLevel string `mapstructure:"log_level" default:"info" validate:"oneof=debug info warn error"`
}

// Load reads configuration from the environment using viper, applies struct
// defaults and validates the result. It never reads a config file: the
// deployment contract is environment-only.
func Load() (*Config, error) {
	cfg := Config{}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	// Bind env vars for each field so AutomaticEnv sees them even without
	// an explicit Set call.
	typeOfCfg := reflect.TypeOf(cfg)
	for i := 0; i < typeOfCfg.NumField(); i++ {
		key := typeOfCfg.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env var %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field-level constraints (via validator tags) and the
// cross-field invariants the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Worker ports must not collide with the gateway's own listener.
	if cfg.WorkerBasePort == cfg.Port {
		return fmt.Errorf("invalid configuration: worker_base_port (%d) must differ from gateway port", cfg.WorkerBasePort)
	}
	if cfg.WorkerDefaultPort == cfg.Port {
		return fmt.Errorf("invalid configuration: worker_default_port (%d) must differ from gateway port", cfg.WorkerDefaultPort)
	}

	if cfg.TokenKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.TokenKey)
		if err != nil {
			return fmt.Errorf("invalid configuration: token_key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("invalid configuration: token_key must decode to 32 bytes, got %d", len(key))
		}
	}

	return nil
}

// TokenEncryptionKey returns the decoded at-rest encryption key, or nil when
// encryption is disabled. Validate must have accepted the config first.
func (c *Config) TokenEncryptionKey() []byte {
	if c.TokenKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(c.TokenKey)
	if err != nil {
		return nil
	}
	return key
}

// IdleTimeout returns the worker idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// RateWindow returns the rate limiter window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMs) * time.Millisecond
}

// TokenTTL returns the in-memory credential cache TTL as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMs) * time.Millisecond
}

// SessionTTL returns the session registry entry TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// BaseURL returns the externally visible base URL of the gateway, used when
// building the /messages reply endpoint handed to event-stream clients.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// ListenAddr returns the address the HTTP listener binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// String returns a string representation of the config with secret fields
// redacted, safe for startup logging.
func (c *Config) String() string {
	v := reflect.ValueOf(*c)
	t := reflect.TypeOf(*c)
	var sb strings.Builder
	sb.WriteString("Config{")
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i).Interface()
		if field.Tag.Get("secret") == "true" {
			value = "***REDACTED***"
		}
		sb.WriteString(field.Name + ": " + fmt.Sprintf("%v", value))
		if i < t.NumField()-1 {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("}")
	return sb.String()
}
