package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/relaypoint/relaypoint/pkg/config"
	"github.com/relaypoint/relaypoint/pkg/database"
)

type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Database  database.Config
	Redis     RedisConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Kafka     KafkaConfig
	Broadcast BroadcastConfig
	Janitor   JanitorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type GatewayConfig struct {
	Host string
	Port int
	// InstanceID labels bus envelopes published by this gateway so its
	// bridge can skip them. Empty means one is generated at startup.
	InstanceID string `mapstructure:"instance_id"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type CacheConfig struct {
	Prefix     string
	MessageTTL time.Duration `mapstructure:"message_ttl"`
}

type RateLimitConfig struct {
	Max           int
	Window        time.Duration
	BlockDuration time.Duration `mapstructure:"block_duration"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
}

type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

type BroadcastConfig struct {
	GatewayURL     string        `mapstructure:"gateway_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadyGrace     time.Duration `mapstructure:"ready_grace"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SystemTokenTTL time.Duration `mapstructure:"system_token_ttl"`
}

type JanitorConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8090)
	v.SetDefault("gateway.instance_id", "")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "relaypoint")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relaypoint")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "relaypoint")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", 30)
	v.SetDefault("database.statement_timeout_ms", 5000)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.prefix", "relaypoint")
	v.SetDefault("cache.message_ttl", "5m")
	v.SetDefault("rate_limit.max", 60)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.block_duration", "0s")
	v.SetDefault("rate_limit.store_timeout", "250ms")
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "notification-jobs")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("broadcast.gateway_url", "ws://localhost:8090/ws/system")
	v.SetDefault("broadcast.connect_timeout", "5s")
	v.SetDefault("broadcast.ready_grace", "300ms")
	v.SetDefault("broadcast.write_timeout", "5s")
	v.SetDefault("broadcast.system_token_ttl", "1h")
	v.SetDefault("janitor.sweep_interval", "5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("gateway.port", "GATEWAY_PORT")
	v.BindEnv("gateway.instance_id", "GATEWAY_INSTANCE_ID")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.db_name", "DB_NAME")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("broadcast.gateway_url", "GATEWAY_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Cache.MessageTTL = parseDuration(v, "cache.message_ttl", 5*time.Minute)
	cfg.RateLimit.Window = parseDuration(v, "rate_limit.window", time.Minute)
	cfg.RateLimit.BlockDuration = parseDuration(v, "rate_limit.block_duration", 0)
	cfg.RateLimit.StoreTimeout = parseDuration(v, "rate_limit.store_timeout", 250*time.Millisecond)
	cfg.Broadcast.ConnectTimeout = parseDuration(v, "broadcast.connect_timeout", 5*time.Second)
	cfg.Broadcast.ReadyGrace = parseDuration(v, "broadcast.ready_grace", 300*time.Millisecond)
	cfg.Broadcast.WriteTimeout = parseDuration(v, "broadcast.write_timeout", 5*time.Second)
	cfg.Broadcast.SystemTokenTTL = parseDuration(v, "broadcast.system_token_ttl", time.Hour)
	cfg.Janitor.SweepInterval = parseDuration(v, "janitor.sweep_interval", 5*time.Minute)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
