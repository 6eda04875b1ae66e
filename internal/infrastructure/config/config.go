package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the hub configuration, one field per top-level YAML section.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Bus       BusConfig       `yaml:"bus"`
	Resources []string        `yaml:"resources" env:"GRAYLOGIC_RESOURCES" envSeparator:","`
	Modules   ModulesConfig   `yaml:"modules"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// BusConfig contains message bus timing and sizing.
type BusConfig struct {
	// MailboxCapacity bounds every module mailbox.
	MailboxCapacity int `yaml:"mailbox_capacity"`

	// PushTimeout is the default time a sender waits for a response.
	PushTimeout time.Duration `yaml:"push_timeout" env:"GRAYLOGIC_BUS_PUSH_TIMEOUT"`

	// PullTimeout is how long each module loop waits on its mailbox.
	PullTimeout time.Duration `yaml:"pull_timeout" env:"GRAYLOGIC_BUS_PULL_TIMEOUT"`

	// StartupTimeout is the response wait for messages sent to modules that
	// have not subscribed yet during start-up.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// PrimingTimeoutFactor multiplies push timeouts during start-up.
	PrimingTimeoutFactor int `yaml:"priming_timeout_factor"`

	// PurgeInterval is how often inactive subscriptions are looked for.
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// SubscriptionLifetime is how long a module may go without pulling.
	SubscriptionLifetime time.Duration `yaml:"subscription_lifetime"`
}

// ModulesConfig switches the built-in modules on and off.
type ModulesConfig struct {
	System      ModuleToggle `yaml:"system"`
	EventMirror ModuleToggle `yaml:"event_mirror"`
}

// ModuleToggle enables a built-in module.
type ModuleToggle struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled" env:"GRAYLOGIC_MQTT_ENABLED"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" env:"GRAYLOGIC_MQTT_HOST"`
	Port     int    `yaml:"port" env:"GRAYLOGIC_MQTT_PORT"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"GRAYLOGIC_MQTT_USERNAME"`
	Password string `yaml:"password" env:"GRAYLOGIC_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP gateway settings.
type APIConfig struct {
	Host     string           `yaml:"host" env:"GRAYLOGIC_API_HOST"`
	Port     int              `yaml:"port" env:"GRAYLOGIC_API_PORT"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"GRAYLOGIC_LOG_LEVEL"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig contains OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" env:"GRAYLOGIC_TRACING_ENABLED"`

	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318.
	Endpoint string `yaml:"endpoint" env:"GRAYLOGIC_TRACING_ENDPOINT"`

	// SampleRatio is the fraction of traces recorded, 0 to 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load builds the configuration in three layers, each overriding the last:
// built-in defaults, the YAML file at path, then any GRAYLOGIC_*
// environment variables that are set. The result is validated before it is
// returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Bus: BusConfig{
			MailboxCapacity:      100,
			PushTimeout:          3 * time.Second,
			PullTimeout:          500 * time.Millisecond,
			StartupTimeout:       30 * time.Second,
			PrimingTimeoutFactor: 4,
			PurgeInterval:        60 * time.Second,
			SubscriptionLifetime: 600 * time.Second,
		},
		Resources: []string{"mic", "speaker"},
		Modules: ModulesConfig{
			System:      ModuleToggle{Enabled: true},
			EventMirror: ModuleToggle{Enabled: false},
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-hub",
			},
			QoS:         1,
			TopicPrefix: "graylogic",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
		},
	}
}

// applyEnvOverrides copies the GRAYLOGIC_* variables named in the env tags
// onto cfg. Unset variables leave the value alone.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return err
	}

	if _, ok := os.LookupEnv("GRAYLOGIC_RESOURCES"); ok {
		names := make([]string, 0, len(cfg.Resources))
		for _, name := range cfg.Resources {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Resources = names
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Bus
	if c.Bus.MailboxCapacity < 1 {
		errs = append(errs, "bus.mailbox_capacity must be at least 1")
	}
	if c.Bus.PrimingTimeoutFactor < 1 {
		errs = append(errs, "bus.priming_timeout_factor must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"bus.push_timeout":          c.Bus.PushTimeout,
		"bus.pull_timeout":          c.Bus.PullTimeout,
		"bus.startup_timeout":       c.Bus.StartupTimeout,
		"bus.purge_interval":        c.Bus.PurgeInterval,
		"bus.subscription_lifetime": c.Bus.SubscriptionLifetime,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	// Resources
	seen := make(map[string]bool, len(c.Resources))
	for _, name := range c.Resources {
		switch {
		case strings.TrimSpace(name) == "":
			errs = append(errs, "resources must not contain empty names")
		case seen[name]:
			errs = append(errs, fmt.Sprintf("resources: %q listed twice", name))
		}
		seen[name] = true
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
		}
	}
	if c.Modules.EventMirror.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "modules.event_mirror requires mqtt.enabled")
	}

	// API
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sample_ratio must be between 0 and 1")
	}

	// Logging
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, "logging.level must be debug, info, warn, or error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, "logging.format must be json or text")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ReadTimeout returns the HTTP read timeout.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout returns the HTTP write timeout.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout returns the HTTP keep-alive idle timeout.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// PingEvery returns the interval between server pings.
func (w WebSocketConfig) PingEvery() time.Duration { return seconds(w.PingInterval) }

// PongWait returns how long a client has to answer a ping.
func (w WebSocketConfig) PongWait() time.Duration { return seconds(w.PongTimeout) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
