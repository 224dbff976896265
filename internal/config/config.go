package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/life-stream-dev/treemq/internal/utils"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. TREEMQ_PORT.
const EnvPrefix = "TREEMQ_"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// Duration is a time.Duration that reads "10s", "20m", "48h" or "2d" from
// YAML and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := utils.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type MongoConfig struct {
	Host               string   `yaml:"host" env:"HOST"`
	Port               uint64   `yaml:"port" env:"PORT"`
	Username           string   `yaml:"username" env:"USERNAME"`
	Password           string   `yaml:"password" env:"PASSWORD"`
	Database           string   `yaml:"database" env:"DATABASE"`
	UseTLS             bool     `yaml:"use_tls" env:"USE_TLS"`
	ConnectTimeout     Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	SocketTimeout      Duration `yaml:"socket_timeout" env:"SOCKET_TIMEOUT"`
	ConnectIdleTimeout Duration `yaml:"connect_idle_timeout" env:"CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   Duration `yaml:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Heartbeat          Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	MinPoolSize        uint64   `yaml:"min_pool_size" env:"MIN_POOL_SIZE"`
	MaxPoolSize        uint64   `yaml:"max_pool_size" env:"MAX_POOL_SIZE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type BadgerConfig struct {
	Dir      string `yaml:"dir" env:"DIR"`
	InMemory bool   `yaml:"in_memory" env:"IN_MEMORY"`
}

// PersistenceConfig selects a backend by Factory key. Only the block
// matching the key is read.
type PersistenceConfig struct {
	Factory string       `yaml:"factory" env:"FACTORY"`
	Redis   RedisConfig  `yaml:"redis" envPrefix:"REDIS_"`
	Mongo   MongoConfig  `yaml:"mongo" envPrefix:"MONGO_"`
	Badger  BadgerConfig `yaml:"badger" envPrefix:"BADGER_"`
}

// BackendConfig describes the upstream a bridge link connects to. An empty
// Type disables bridging.
type BackendConfig struct {
	Type         string   `yaml:"type" env:"TYPE"`
	Host         string   `yaml:"host" env:"HOST"`
	Port         int      `yaml:"port" env:"PORT"`
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	Username     string   `yaml:"username" env:"USERNAME"`
	Password     string   `yaml:"password" env:"PASSWORD"`
	WildcardOne  string   `yaml:"wildcard_one" env:"WILDCARD_ONE"`
	WildcardSome string   `yaml:"wildcard_some" env:"WILDCARD_SOME"`
	QueueSize    int      `yaml:"queue_size" env:"QUEUE_SIZE"`
	EchoWindow   Duration `yaml:"echo_window" env:"ECHO_WINDOW"`
}

type StatsConfig struct {
	Enabled  bool     `yaml:"enabled" env:"ENABLED"`
	Interval Duration `yaml:"interval" env:"INTERVAL"`
}

type WebsocketConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	Path    string `yaml:"path" env:"PATH"`
}

type MetricsConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
}

type Config struct {
	AppName   string `yaml:"app_name" env:"APP_NAME"`
	DebugMode bool   `yaml:"debug_mode" env:"DEBUG_MODE"`
	LogDir    string `yaml:"log_dir" env:"LOG_DIR"`

	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
	// Keepalive bounds the wait for CONNECT on a fresh transport and is the
	// keepalive a bridge announces upstream.
	Keepalive       Duration `yaml:"keepalive" env:"KEEPALIVE"`
	MaxConnections  int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	OutboundQueue   int      `yaml:"outbound_queue" env:"OUTBOUND_QUEUE"`
	DeliveryTimeout Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`

	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"PERSISTENCE_"`
	Backend     BackendConfig     `yaml:"backend" envPrefix:"BACKEND_"`
	Stats       StatsConfig       `yaml:"stats" envPrefix:"STATS_"`
	Websocket   WebsocketConfig   `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Metrics     MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
}

// Default returns a configuration that runs a standalone in-memory broker
// on the standard MQTT port.
func Default() *Config {
	return &Config{
		AppName:         "treemq",
		LogDir:          "logs",
		Port:            1883,
		Keepalive:       Duration(time.Minute),
		MaxConnections:  10000,
		OutboundQueue:   256,
		DeliveryTimeout: Duration(time.Second),
		Persistence: PersistenceConfig{
			Factory: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "treemq"},
			Mongo: MongoConfig{
				Host:             "localhost",
				Port:             27017,
				Database:         "treemq",
				ConnectTimeout:   Duration(10 * time.Second),
				OperationTimeout: Duration(5 * time.Second),
				MaxPoolSize:      100,
			},
			Badger: BadgerConfig{Dir: "data"},
		},
		Backend: BackendConfig{
			WildcardOne:  "+",
			WildcardSome: "#",
			QueueSize:    1024,
			EchoWindow:   Duration(30 * time.Second),
		},
		Stats: StatsConfig{
			Enabled:  true,
			Interval: Duration(time.Minute),
		},
		Websocket: WebsocketConfig{Path: "/mqtt"},
	}
}

// Load reads path, applies TREEMQ_ environment overrides and validates the
// result. A missing file is created with defaults and reported as an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("unable to read configuration file: %w", err)
		}
		data, _ := yaml.Marshal(cfg)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("unable to create configuration file: %w", err)
		}
		return cfg, ErrConfigCreated
	}

	if err := yaml.Unmarshal(bytes, cfg); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid YAML: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with TREEMQ_ prefixed variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OutboundQueue < 0 {
		return fmt.Errorf("outbound_queue must not be negative, got %d", c.OutboundQueue)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	}
	if c.Backend.Type == "" && c.Backend.Host != "" {
		return errors.New("backend host is set but backend type is empty")
	}
	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		return errors.New("stats interval must be positive")
	}
	return nil
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
