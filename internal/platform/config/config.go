package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Feed     FeedConfig     `mapstructure:"feed"`
	History  HistoryConfig  `mapstructure:"history"`
	Hub      HubConfig      `mapstructure:"hub"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PostgresConfig configures the durable submission store. An empty DSN selects
// the in-memory store.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	NotifyChannel string `mapstructure:"notify_channel"`
	MaxConns      int32  `mapstructure:"max_conns"`
	Migrate       bool   `mapstructure:"migrate"`
}

// RedisConfig configures the shared rate-limit counters. An empty URL keeps
// counters in process memory.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig configures the optional change-event mirror. No brokers
// disables it.
type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	Topic             string        `mapstructure:"topic"`
	ClientID          string        `mapstructure:"client_id"`
	CreateTopic       bool          `mapstructure:"create_topic"`
	Partitions        int32         `mapstructure:"partitions"`
	ReplicationFactor int16         `mapstructure:"replication_factor"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
	MaxBuffered       int           `mapstructure:"max_buffered"`
}

// Enabled reports whether the mirror should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// FeedConfig tunes the change source.
type FeedConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollBatch           int           `mapstructure:"poll_batch"`
	NativeRetryInterval time.Duration `mapstructure:"native_retry_interval"`
	StoreTimeout        time.Duration `mapstructure:"store_timeout"`
	RestartInitial      time.Duration `mapstructure:"restart_initial"`
	RestartMax          time.Duration `mapstructure:"restart_max"`
}

// HistoryConfig bounds the recent-history buffer; whichever bound is hit
// first evicts.
type HistoryConfig struct {
	Capacity int           `mapstructure:"capacity"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type HubConfig struct {
	BacklogLimit    int           `mapstructure:"backlog_limit"`
	LagTimeout      time.Duration `mapstructure:"lag_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
}

// IngestConfig holds the per-client fixed-window limit and input bounds.
type IngestConfig struct {
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
	MaxFields   int           `mapstructure:"max_fields"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// TrustProxyHeaders and TrustClientIDHeader may only be set behind a
	// gateway that overwrites X-Forwarded-For / X-Real-IP and X-Client-ID.
	TrustProxyHeaders   bool `mapstructure:"trust_proxy_headers"`
	TrustClientIDHeader bool `mapstructure:"trust_client_id_header"`
}

// AuthConfig verifies dashboard bearer tokens issued by the auth service.
type AuthConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
	Audience   string `mapstructure:"audience"`
	Disabled   bool   `mapstructure:"disabled"`
}

// Load reads the optional config file at path, applies QUOTEFEED_* env
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("quotefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.notify_channel", "submission_changes")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "submission-changes")
	v.SetDefault("kafka.client_id", "quotefeed")
	v.SetDefault("kafka.create_topic", false)
	v.SetDefault("kafka.partitions", -1)
	v.SetDefault("kafka.replication_factor", -1)
	v.SetDefault("kafka.delivery_timeout", 30*time.Second)
	v.SetDefault("kafka.max_buffered", 10000)

	v.SetDefault("feed.poll_interval", 2*time.Second)
	v.SetDefault("feed.poll_batch", 500)
	v.SetDefault("feed.native_retry_interval", 15*time.Second)
	v.SetDefault("feed.store_timeout", 5*time.Second)
	v.SetDefault("feed.restart_initial", time.Second)
	v.SetDefault("feed.restart_max", time.Minute)

	v.SetDefault("history.capacity", 512)
	v.SetDefault("history.max_age", 5*time.Minute)

	v.SetDefault("hub.backlog_limit", 1024)
	v.SetDefault("hub.lag_timeout", 5*time.Second)
	v.SetDefault("hub.write_timeout", 10*time.Second)
	v.SetDefault("hub.ping_interval", 20*time.Second)
	v.SetDefault("hub.liveness_timeout", 60*time.Second)
	v.SetDefault("hub.drain_timeout", 5*time.Second)

	v.SetDefault("ingest.rate_limit", 20)
	v.SetDefault("ingest.rate_window", time.Minute)
	v.SetDefault("ingest.max_fields", 64)
	v.SetDefault("ingest.http_timeout", 10*time.Second)
	v.SetDefault("ingest.trust_proxy_headers", false)
	v.SetDefault("ingest.trust_client_id_header", false)

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "quotefeed-dashboard")
	v.SetDefault("auth.disabled", false)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Feed.PollInterval <= 0 {
		errs = append(errs, errors.New("feed.poll_interval must be positive"))
	}
	if c.Feed.PollBatch <= 0 {
		errs = append(errs, errors.New("feed.poll_batch must be positive"))
	}
	if c.Feed.StoreTimeout <= 0 {
		errs = append(errs, errors.New("feed.store_timeout must be positive"))
	}
	if c.Feed.RestartInitial <= 0 || c.Feed.RestartMax < c.Feed.RestartInitial {
		errs = append(errs, errors.New("feed.restart_initial must be positive and not exceed feed.restart_max"))
	}
	if c.History.Capacity <= 0 {
		errs = append(errs, errors.New("history.capacity must be positive"))
	}
	if c.Hub.BacklogLimit <= 0 {
		errs = append(errs, errors.New("hub.backlog_limit must be positive"))
	}
	if c.Hub.BacklogLimit < c.Feed.PollBatch {
		errs = append(errs, errors.New("hub.backlog_limit must hold at least feed.poll_batch events"))
	}
	if c.Hub.LagTimeout <= 0 {
		errs = append(errs, errors.New("hub.lag_timeout must be positive"))
	}
	if c.Hub.PingInterval <= 0 || c.Hub.LivenessTimeout <= c.Hub.PingInterval {
		errs = append(errs, errors.New("hub.liveness_timeout must exceed hub.ping_interval"))
	}
	if c.Ingest.RateLimit <= 0 || c.Ingest.RateWindow <= 0 {
		errs = append(errs, errors.New("ingest.rate_limit and ingest.rate_window must be positive"))
	}
	if !c.Auth.Disabled && c.Auth.SigningKey == "" {
		errs = append(errs, errors.New("auth.signing_key is required unless auth.disabled is set"))
	}
	return errors.Join(errs...)
}
