package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/scale"
)

type ScalesConfig struct {
	DefaultTimeoutMs int    `json:"default_timeout_ms"`
	MinTimeoutMs     int    `json:"min_timeout_ms"`
	MaxTimeoutMs     int    `json:"max_timeout_ms"`
	DefaultRetries   int    `json:"default_retries"`
	MinRetries       int    `json:"min_retries"`
	SettleDelayMs    int    `json:"settle_delay_ms"`
	PollIntervalMs   int    `json:"poll_interval_ms"`
	PollTimeoutMs    int    `json:"poll_timeout_ms"`
	MonitorOnError   string `json:"monitor_on_error"`
	// WatchIntervalMs is how often ports are rescanned for attach and
	// detach; 0 turns the scan off.
	WatchIntervalMs  int    `json:"watch_interval_ms"`
}

// AutoConnect is a scale connected when the agent starts.
type AutoConnect struct {
	Device     string                 `json:"device"`
	Connection scale.ConnectionConfig `json:"connection"`
	Monitor    bool                   `json:"monitor,omitempty"`
}

type MQTTConfig struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

type Config struct {
	ServerURL        string `json:"server_url"`
	WebSocketURL     string `json:"websocket_url"`
	AgentToken       string `json:"agent_token"`
	AgentID          string `json:"agent_id,omitempty"`
	TenantID         string `json:"tenant_id,omitempty"`
	DeviceName       string `json:"device_name,omitempty"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	LogLevel         string `json:"log_level"`

	Scales      ScalesConfig  `json:"scales"`
	AutoConnect []AutoConnect `json:"autoconnect,omitempty"`
	MQTT        MQTTConfig    `json:"mqtt"`
	MetricsAddr string        `json:"metrics_addr,omitempty"`
}

func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		ServerURL:        "https://bizanti.pl",
		WebSocketURL:     "wss://bizanti.pl/agent/ws",
		AgentToken:       "",
		TenantID:         "",
		DeviceName:       hostname,
		HeartbeatSeconds: 30,
		LogLevel:         "info",
		Scales: ScalesConfig{
			DefaultTimeoutMs: 500,
			MinTimeoutMs:     100,
			MaxTimeoutMs:     5000,
			DefaultRetries:   0,
			MinRetries:       0,
			SettleDelayMs:    200,
			PollIntervalMs:   50,
			PollTimeoutMs:    50,
			MonitorOnError:   "continue",
			WatchIntervalMs:  2000,
		},
		MQTT: MQTTConfig{
			ClientID:    "scale-agent",
			TopicPrefix: "scale-agent",
		},
	}
}

func LoadOrCreateDefault() (*Config, error) {
	if _, err := os.Stat(Path()); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if errSave := Save(cfg); errSave != nil {
			return nil, errSave
		}
		return cfg, nil
	}

	return Load()
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = 30
	}

	d := Default().Scales
	if cfg.Scales.DefaultTimeoutMs <= 0 {
		cfg.Scales.DefaultTimeoutMs = d.DefaultTimeoutMs
	}
	if cfg.Scales.MaxTimeoutMs <= 0 {
		cfg.Scales.MaxTimeoutMs = d.MaxTimeoutMs
	}
	if cfg.Scales.MinTimeoutMs < 0 {
		cfg.Scales.MinTimeoutMs = d.MinTimeoutMs
	}
	if cfg.Scales.DefaultRetries < 0 {
		cfg.Scales.DefaultRetries = 0
	}
	if cfg.Scales.MinRetries < 0 {
		cfg.Scales.MinRetries = 0
	}
	if cfg.Scales.SettleDelayMs < 0 {
		cfg.Scales.SettleDelayMs = d.SettleDelayMs
	}
	if cfg.Scales.PollIntervalMs <= 0 {
		cfg.Scales.PollIntervalMs = d.PollIntervalMs
	}
	if cfg.Scales.PollTimeoutMs <= 0 {
		cfg.Scales.PollTimeoutMs = d.PollTimeoutMs
	}
	if cfg.Scales.WatchIntervalMs < 0 {
		cfg.Scales.WatchIntervalMs = d.WatchIntervalMs
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveFile(Path(), cfg)
}

func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Policy returns the timeout and retry bounds for scale connections.
func (c *Config) Policy() scale.Policy {
	return scale.Policy{
		DefaultTimeout: ms(c.Scales.DefaultTimeoutMs),
		MinTimeout:     ms(c.Scales.MinTimeoutMs),
		MaxTimeout:     ms(c.Scales.MaxTimeoutMs),
		DefaultRetries: c.Scales.DefaultRetries,
		MinRetries:     c.Scales.MinRetries,
	}
}

// HandlerOptions maps the scale timings onto handler options.
func (c *Config) HandlerOptions() []scale.Option {
	return []scale.Option{
		scale.WithPolicy(c.Policy()),
		scale.WithSettleDelay(ms(c.Scales.SettleDelayMs)),
		scale.WithPolling(ms(c.Scales.PollIntervalMs), ms(c.Scales.PollTimeoutMs)),
	}
}

func (c *Config) MonitorPolicy() scale.MonitorPolicy {
	return scale.ParseMonitorPolicy(c.Scales.MonitorOnError)
}

func (c *Config) PollInterval() time.Duration {
	return ms(c.Scales.PollIntervalMs)
}

// WatchInterval is the port rescan period, zero when disabled.
func (c *Config) WatchInterval() time.Duration {
	return ms(c.Scales.WatchIntervalMs)
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func Dir() string {
	programData := os.Getenv("ProgramData")
	if runtime.GOOS == "windows" {
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return filepath.Join(programData, "ScaleAgent")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(configDir, "scale-agent")
}

func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

func Path() string {
	return filepath.Join(Dir(), "config.json")
}
