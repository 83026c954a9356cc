package core

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "REALTIME_"

// Paths holds the endpoint paths each transport talks to, relative to Config.URL.
type Paths struct {
	Socket   string `koanf:"socket" json:"socket" validate:"required,startswith=/"`
	Raw      string `koanf:"raw" json:"raw" validate:"required,startswith=/"`
	Events   string `koanf:"events" json:"events" validate:"required,startswith=/"`
	Messages string `koanf:"messages" json:"messages" validate:"required,startswith=/"`
	Poll     string `koanf:"poll" json:"poll" validate:"required,startswith=/"`
}

// Config contains all configuration options for a connection manager.
// It covers keepalive timing, reconnection backoff, quality sampling, transport preference,
// send throttling and transport health breakers.
type Config struct {
	// URL is the base URL of the realtime server (http, https, ws or wss).
	URL string `koanf:"url" json:"url" validate:"required,url"`

	PingInterval   time.Duration `koanf:"ping_interval" json:"ping_interval" validate:"min=1ms"`
	PongTimeout    time.Duration `koanf:"pong_timeout" json:"pong_timeout" validate:"min=1ms"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" json:"connect_timeout" validate:"min=1ms"`

	BaseDelay   time.Duration `koanf:"base_delay" json:"base_delay" validate:"min=1ms"`
	Multiplier  float64       `koanf:"multiplier" json:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration `koanf:"max_delay" json:"max_delay" validate:"min=1ms"`
	MaxAttempts int           `koanf:"max_attempts" json:"max_attempts" validate:"min=0"`

	QualityWindowSize int `koanf:"quality_window_size" json:"quality_window_size" validate:"min=1"`

	// Transports is the fallback order; the first usable entry wins.
	Transports []TransportKind `koanf:"transports" json:"transports" validate:"required,min=1,dive,oneof=multiplexed websocket sse polling"`
	Paths      Paths           `koanf:"paths" json:"paths"`

	// SendRateLimit is the sustained outbound messages per second. Zero disables throttling.
	SendRateLimit float64 `koanf:"send_rate_limit" json:"send_rate_limit" validate:"min=0"`
	SendBurst     int     `koanf:"send_burst" json:"send_burst" validate:"min=0"`

	// BreakerFailThreshold is the consecutive network failures that take a transport out of
	// rotation. Zero disables the breakers.
	BreakerFailThreshold int           `koanf:"breaker_fail_threshold" json:"breaker_fail_threshold" validate:"min=0"`
	BreakerCooldown      time.Duration `koanf:"breaker_cooldown" json:"breaker_cooldown" validate:"min=0"`

	LogLevel string `koanf:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with sensible defaults for the given server URL.
// Default values: 30s ping interval, 10s pong timeout, 10s connect timeout, backoff 1s doubling
// up to 30s over 5 attempts, a 10 sample quality window and the default transport order.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:            url,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,

		BaseDelay:   1 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,

		QualityWindowSize: 10,

		Transports: append([]TransportKind(nil), DefaultTransportOrder...),
		Paths: Paths{
			Socket:   "/socket.io/",
			Raw:      "/ws",
			Events:   "/events",
			Messages: "/messages",
			Poll:     "/poll",
		},

		SendRateLimit: 20,
		SendBurst:     40,

		BreakerFailThreshold: 3,
		BreakerCooldown:      60 * time.Second,

		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConnectionError(ErrorTypeInvalidConfig, "invalid configuration", err)
	}
	if c.MaxDelay < c.BaseDelay {
		return NewConnectionError(ErrorTypeInvalidConfig, "MaxDelay must not be below BaseDelay", nil)
	}
	if c.PongTimeout >= c.PingInterval {
		return NewConnectionError(ErrorTypeInvalidConfig, "PongTimeout must be shorter than PingInterval", nil)
	}
	if c.SendRateLimit > 0 && c.SendBurst == 0 {
		return NewConnectionError(ErrorTypeInvalidConfig, "SendBurst must be positive when SendRateLimit is set", nil)
	}
	if c.BreakerFailThreshold > 0 && c.BreakerCooldown <= 0 {
		return NewConnectionError(ErrorTypeInvalidConfig, "BreakerCooldown must be positive when breakers are enabled", nil)
	}
	seen := make(map[TransportKind]bool, len(c.Transports))
	for _, k := range c.Transports {
		if seen[k] {
			return NewConnectionError(ErrorTypeInvalidConfig, fmt.Sprintf("transport %q listed twice", k), nil)
		}
		seen[k] = true
	}
	return nil
}

// WithKeepalive sets the heartbeat interval and pong timeout and returns the config for chaining.
func (c *Config) WithKeepalive(interval, timeout time.Duration) *Config {
	c.PingInterval = interval
	c.PongTimeout = timeout
	return c
}

// WithBackoff sets the reconnection policy and returns the config for chaining.
func (c *Config) WithBackoff(base time.Duration, multiplier float64, max time.Duration, attempts int) *Config {
	c.BaseDelay = base
	c.Multiplier = multiplier
	c.MaxDelay = max
	c.MaxAttempts = attempts
	return c
}

// WithTransports sets the transport fallback order and returns the config for chaining.
func (c *Config) WithTransports(kinds ...TransportKind) *Config {
	c.Transports = append([]TransportKind(nil), kinds...)
	return c
}

// WithConnectTimeout sets the per attempt dial timeout and returns the config for chaining.
func (c *Config) WithConnectTimeout(timeout time.Duration) *Config {
	c.ConnectTimeout = timeout
	return c
}

// WithSendRateLimit sets outbound throttling and returns the config for chaining.
func (c *Config) WithSendRateLimit(perSecond float64, burst int) *Config {
	c.SendRateLimit = perSecond
	c.SendBurst = burst
	return c
}

// WithBreaker sets the transport health breaker parameters and returns the config for chaining.
func (c *Config) WithBreaker(threshold int, cooldown time.Duration) *Config {
	c.BreakerFailThreshold = threshold
	c.BreakerCooldown = cooldown
	return c
}

// LoadConfig builds a Config from defaults, an optional YAML file and REALTIME_* environment
// variables, in increasing priority. Durations accept Go duration strings such as "15s".
//
// Environment keys are lower-cased after the prefix is stripped; REALTIME_PATHS_RAW sets
// paths.raw and REALTIME_TRANSPORTS takes a comma separated list.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig("")

	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to access config file %s: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				transportListHook,
				transportKindHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(s, "paths_"); ok {
		return "paths." + rest
	}
	return s
}

var (
	transportKindType = reflect.TypeOf(TransportKind(""))
	transportListType = reflect.TypeOf([]TransportKind(nil))
)

func transportListHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != transportListType {
		return data, nil
	}
	return ParseTransportList(reflect.ValueOf(data).String())
}

func transportKindHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != transportKindType {
		return data, nil
	}
	// data may already be a TransportKind when merged from defaults
	return ParseTransportKind(reflect.ValueOf(data).String())
}

// ParseTransportList parses a comma separated transport order such as "sse,polling".
func ParseTransportList(s string) ([]TransportKind, error) {
	var kinds []TransportKind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := ParseTransportKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		return nil, errors.New("empty transport list")
	}
	return kinds, nil
}
