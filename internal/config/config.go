// Package config loads the watchpost configuration from YAML, .env files and the environment
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

	"watchpost/internal/alarm"
	"watchpost/internal/camera"
	"watchpost/internal/notify"
	"watchpost/internal/pipeline"
	"watchpost/internal/pipeline/detectors"
	"watchpost/internal/store"
)

// DefaultPath is read when no -config flag is given. A missing file is not an error.
const DefaultPath = "config/watchpost.yaml"

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    camera.Config   `yaml:"camera"`
	Detection pipeline.Config `yaml:"detection"` // Runtime tick config, hot reloadable
	Providers ProvidersConfig `yaml:"providers"`
	Store     store.Config    `yaml:"store"`
	Alerts    notify.Config   `yaml:"alerts"`
	Alarm     AlarmConfig     `yaml:"alarm"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"` // Log request and response bodies
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProvidersConfig selects the perception providers
type ProvidersConfig struct {
	Detection detectors.ProviderConfig `yaml:"detection"`
	Identity  detectors.ProviderConfig `yaml:"identity"`
}

// AlarmConfig configures the alarm sinks beyond the dashboard siren
type AlarmConfig struct {
	MQTT alarm.MQTTConfig `yaml:"mqtt"` // Disabled when the broker is empty
}

// EventsConfig configures the live dashboard feed
type EventsConfig struct {
	SendFrames  bool `yaml:"send_frames"`  // Embed annotated JPEGs in websocket tick messages
	RecentLimit int  `yaml:"recent_limit"` // Alerts shown on the dashboard
}

// LoggingConfig configures logrus
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Camera:    camera.DefaultConfig(),
		Detection: pipeline.DefaultConfig(),
		Providers: ProvidersConfig{
			Detection: detectors.ProviderConfig{Kind: detectors.KindHTTP, Endpoint: "http://localhost:8081"},
			Identity:  detectors.ProviderConfig{Kind: detectors.KindNone, MatchThreshold: 0.5},
		},
		Store: store.DefaultConfig(),
		Alerts: notify.Config{
			Channel:  "none",
			Location: "Primary Feed",
		},
		Alarm:   AlarmConfig{MQTT: alarm.MQTTConfig{Topic: alarm.DefaultMQTTTopic, QoS: 1}},
		Events:  EventsConfig{RecentLimit: 20},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads .env files, the YAML file at path and environment overrides, then validates.
// An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	loadDotEnv()

	if path == "" {
		path = getEnv("WATCHPOST_CONFIG", DefaultPath)
	}
	cfg := Default()
	if err := readFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads the first .env file found. Existing variables win.
func loadDotEnv() {
	for _, path := range []string{".env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

// readFile decodes the YAML file at path over cfg
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// applyEnv overlays environment variables. Secrets are only read here.
func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.Server.Host = getEnv("WATCHPOST_HOST", cfg.Server.Host)
	cfg.Server.Port, err = getEnvInt("WATCHPOST_PORT", cfg.Server.Port)
	collect(err)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Camera.Device = getEnv("CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Providers.Detection.Kind = getEnv("DETECTION_PROVIDER", cfg.Providers.Detection.Kind)
	cfg.Providers.Detection.Endpoint = getEnv("DETECTION_ENDPOINT", cfg.Providers.Detection.Endpoint)
	cfg.Providers.Identity.Kind = getEnv("IDENTITY_PROVIDER", cfg.Providers.Identity.Kind)
	cfg.Providers.Identity.Endpoint = getEnv("IDENTITY_ENDPOINT", cfg.Providers.Identity.Endpoint)
	cfg.Providers.Detection.Timeout, err = getEnvDuration("DETECTION_TIMEOUT", cfg.Providers.Detection.Timeout)
	collect(err)

	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.DSN = getEnv("STORE_DSN", cfg.Store.DSN)
	cfg.Store.Redis.Addr = getEnv("REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Store.Redis.Password)

	cfg.Alerts.Channel = getEnv("ALERT_CHANNEL", cfg.Alerts.Channel)
	cfg.Alerts.Email.Username = getEnv("SMTP_USERNAME", cfg.Alerts.Email.Username)
	cfg.Alerts.Email.Password = getEnv("SMTP_PASSWORD", cfg.Alerts.Email.Password)
	cfg.Alerts.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Alerts.Telegram.BotToken)
	cfg.Alerts.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", cfg.Alerts.Telegram.ChatID)
	cfg.Alerts.NATS.URL = getEnv("NATS_URL", cfg.Alerts.NATS.URL)
	cfg.Alarm.MQTT.Broker = getEnv("MQTT_BROKER", cfg.Alarm.MQTT.Broker)
	cfg.Alarm.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.Alarm.MQTT.Password)

	cfg.Detection.AlertDestination = getEnv("ALERT_DESTINATION", cfg.Detection.AlertDestination)
	cfg.Detection.EmailEnabled, err = getEnvBool("ALERTS_ENABLED", cfg.Detection.EmailEnabled)
	collect(err)
	cfg.Detection.SoundEnabled, err = getEnvBool("SOUND_ENABLED", cfg.Detection.SoundEnabled)
	collect(err)
	cfg.Detection.DebugMode, err = getEnvBool("DEBUG_MODE", cfg.Detection.DebugMode)
	collect(err)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Camera.Device == "" {
		errs = append(errs, errors.New("camera.device is required"))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, errors.New("camera.fps must be positive"))
	}
	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}
	if c.Providers.Detection.Kind == "" {
		errs = append(errs, errors.New("providers.detection.kind is required"))
	}
	if t := c.Providers.Identity.MatchThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("providers.identity.match_threshold must be within [0,1], got %v", t))
	}
	switch c.Alerts.Channel {
	case "", "none", "email", "telegram", "nats":
	default:
		errs = append(errs, fmt.Errorf("alerts.channel %q is not supported", c.Alerts.Channel))
	}
	if c.Alarm.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("alarm.mqtt.qos must be 0, 1 or 2"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
