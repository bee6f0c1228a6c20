// Package config loads the process configuration for the Karabo Go
// runtime: broker connection, logging, metrics and the GUI-server
// device settings. Files are YAML (JSON is valid YAML); a few
// environment variables override the file for containerized
// deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/European-XFEL/Karabo-sub006/hash"
)

// Config is the complete process configuration.
type Config struct {
	Version   string          `json:"version" yaml:"version"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	GuiServer GuiServerConfig `json:"guiServer" yaml:"guiServer"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// BrokerConfig describes the NATS connection and the Karabo topic.
type BrokerConfig struct {
	URL              string `json:"url" yaml:"url"`
	Topic            string `json:"topic" yaml:"topic"`
	ClientName       string `json:"clientName" yaml:"clientName"`
	MaxReconnects    int    `json:"maxReconnects" yaml:"maxReconnects"`
	ReconnectWaitSec int    `json:"reconnectWaitSec" yaml:"reconnectWaitSec"`
}

// ReconnectWait returns the reconnect backoff as a duration.
func (b BrokerConfig) ReconnectWait() time.Duration {
	if b.ReconnectWaitSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(b.ReconnectWaitSec) * time.Second
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// GuiServerConfig carries the gateway device's settings. Most fields
// map directly onto the device's schema properties.
type GuiServerConfig struct {
	DeviceID string `json:"deviceId" yaml:"deviceId"`
	ServerID string `json:"serverId" yaml:"serverId"`

	Port                   uint32 `json:"port" yaml:"port"`
	Timeout                int32  `json:"timeout" yaml:"timeout"`
	MinClientVersion       string `json:"minClientVersion" yaml:"minClientVersion"`
	PropertyUpdateInterval int32  `json:"propertyUpdateInterval" yaml:"propertyUpdateInterval"`

	IgnoreTimeoutClasses []string `json:"ignoreTimeoutClasses" yaml:"ignoreTimeoutClasses"`
	AuthServer           string   `json:"authServer" yaml:"authServer"`

	MaxSessionDuration            int32 `json:"maxSessionDuration" yaml:"maxSessionDuration"`
	EndSessionNoticeTime          int32 `json:"endSessionNoticeTime" yaml:"endSessionNoticeTime"`
	MaxTemporarySessionTime       int32 `json:"maxTemporarySessionTime" yaml:"maxTemporarySessionTime"`
	EndTemporarySessionNoticeTime int32 `json:"endTemporarySessionNoticeTime" yaml:"endTemporarySessionNoticeTime"`

	OnlyAppModeClients bool   `json:"onlyAppModeClients" yaml:"onlyAppModeClients"`
	ReadOnly           bool   `json:"readOnly" yaml:"readOnly"`
	WebsocketAddr      string `json:"websocketAddr" yaml:"websocketAddr"`
}

// Default returns a runnable local configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Log:     LogConfig{Level: "info", Format: "json"},
		Broker: BrokerConfig{
			URL:           "nats://localhost:4222",
			Topic:         "karabo",
			ClientName:    "karabo-gui-server",
			MaxReconnects: -1,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		GuiServer: GuiServerConfig{
			DeviceID:               "Karabo_GuiServer_0",
			ServerID:               "karabo/guiServer",
			Port:                   44444,
			Timeout:                5,
			PropertyUpdateInterval: 500,
			EndSessionNoticeTime:   300,
		},
	}
}

// Load reads, overlays and validates a configuration file. An empty
// path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the deployment-critical settings from the
// environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("KARABO_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("KARABO_TOPIC"); v != "" {
		c.Broker.Topic = v
	}
	if v := os.Getenv("KARABO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("KARABO_AUTH_SERVER"); v != "" {
		c.GuiServer.AuthServer = v
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic is required")
	}
	if strings.ContainsAny(c.Broker.Topic, " .>*") {
		return fmt.Errorf("broker.topic %q contains reserved characters", c.Broker.Topic)
	}
	if c.GuiServer.DeviceID == "" {
		return fmt.Errorf("guiServer.deviceId is required")
	}
	if c.GuiServer.Port == 0 {
		return fmt.Errorf("guiServer.port is required")
	}
	if c.GuiServer.Timeout < 1 {
		return fmt.Errorf("guiServer.timeout must be at least 1 second")
	}
	if c.GuiServer.PropertyUpdateInterval < 20 {
		return fmt.Errorf("guiServer.propertyUpdateInterval must be at least 20 ms")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// DeviceHash renders the gateway settings as the device configuration
// consumed by the gateway schema.
func (g GuiServerConfig) DeviceHash() *hash.Hash {
	h := hash.New(
		"port", g.Port,
		"timeout", g.Timeout,
		"minClientVersion", g.MinClientVersion,
		"propertyUpdateInterval", g.PropertyUpdateInterval,
		"authServer", g.AuthServer,
		"maxSessionDuration", g.MaxSessionDuration,
		"endSessionNoticeTime", g.EndSessionNoticeTime,
		"maxTemporarySessionTime", g.MaxTemporarySessionTime,
		"endTemporarySessionNoticeTime", g.EndTemporarySessionNoticeTime,
		"onlyAppModeClients", g.OnlyAppModeClients,
		"readOnly", g.ReadOnly,
	)
	if len(g.IgnoreTimeoutClasses) > 0 {
		_ = h.Set("ignoreTimeoutClasses", g.IgnoreTimeoutClasses)
	}
	return h
}
