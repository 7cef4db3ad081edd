// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	StructureID string         `yaml:"structure_id"`
	Technician  string         `yaml:"technician"`
	Scan        ScanConfig     `yaml:"scan"`
	Reader      ReaderConfig   `yaml:"reader"`
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	HTTP        HTTPConfig     `yaml:"http"`
	Heartbeat   time.Duration  `yaml:"heartbeat"`
	Log         LogConfig      `yaml:"log"`
	Results     ResultsConfig  `yaml:"results"`
}

type ScanConfig struct {
	// Window is how long a chip reading stays pending before it is decided.
	Window time.Duration `yaml:"window"`
}

type ReaderConfig struct {
	ID        string `yaml:"id"`
	PowerChip string `yaml:"power_chip"`
	PowerPin  int    `yaml:"power_pin"` // negative disables the power line
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ResultsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Overrides replace file settings when non-empty. They come from flags.
type Overrides struct {
	StructureID string
	Technician  string
	HTTPAddr    string
}

// LoadWithOverrides reads the config at path, or starts from an empty one
// when path is empty, applies o and then defaults and validation.
func LoadWithOverrides(path string, o Overrides) (*Config, error) {
	var raw []byte
	if path != "" {
		var err error
		if raw, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return parse(raw, o)
}

// Parse decodes a YAML document into a defaulted, validated Config.
func Parse(raw []byte) (*Config, error) {
	return parse(raw, Overrides{})
}

func parse(raw []byte, o Overrides) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if o.StructureID != "" {
		cfg.StructureID = o.StructureID
	}
	if o.Technician != "" {
		cfg.Technician = o.Technician
	}
	if o.HTTPAddr != "" {
		cfg.HTTP.Addr = o.HTTPAddr
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Scan.Window == 0 {
		c.Scan.Window = time.Second
	}
	if c.Reader.ID == "" {
		c.Reader.ID = "reader-1"
	}
	if c.Reader.PowerChip == "" {
		c.Reader.PowerChip = "gpiochip0"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "rfid-inspect"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "inspect"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 4
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "scan:uploads"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":80"
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Results.QueueSize == 0 {
		c.Results.QueueSize = 1024
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.StructureID == "" {
		return errors.New("config: structure_id is required")
	}
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Scan.Window < 10*time.Millisecond {
		return fmt.Errorf("config: scan.window %v is too short", c.Scan.Window)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("config: heartbeat %v must not be negative", c.Heartbeat)
	}
	if c.Results.QueueSize < 0 {
		return fmt.Errorf("config: results.queue_size %d must not be negative", c.Results.QueueSize)
	}
	return nil
}
