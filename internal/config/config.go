package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration of the presence service.
type Config struct {
	ServiceName     string
	LogLevel        string
	TraceStdout     bool
	HTTPAddr        string
	MetricsAddr     string
	GRPCAddr        string
	ShutdownTimeout time.Duration

	PostgresDSN    string
	DirectoryQuery string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	IdentityTTL    time.Duration
	NATSURL        string
	NATSPrefix     string
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	JWTSecret      string

	StoreShards int
	Presence    PresenceConfig
	Dispatcher  DispatcherConfig
	Retention   RetentionConfig
	RateLimit   RateLimitConfig
}

// PresenceConfig holds staleness and query tunables.
type PresenceConfig struct {
	IdleAfter           time.Duration
	OfflineAfter        time.Duration
	SweepInterval       time.Duration
	ActiveWindow        time.Duration
	DefaultHistoryLimit int
	MaxHistoryLimit     int
	TripIdleAfter       time.Duration
}

type DispatcherConfig struct {
	Workers     int
	QueueDepth  int
	TaskTimeout time.Duration
}

type RetentionConfig struct {
	History  time.Duration
	Interval time.Duration
}

// RateLimitConfig applies to HTTP location ingest. A zero rate disables it.
type RateLimitConfig struct {
	Rate  float64
	Burst float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "presence-service")
	v.SetDefault("log.level", "info")
	v.SetDefault("trace.stdout", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("shutdown.timeout", 15*time.Second)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("directory.query", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("directory.cache_ttl", 10*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "presence")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "rider-locations")
	v.SetDefault("kafka.group", "presence-service")
	v.SetDefault("jwt.secret", "")

	v.SetDefault("store.shards", 32)
	v.SetDefault("presence.idle_after", 5*time.Minute)
	v.SetDefault("presence.offline_after", 30*time.Minute)
	v.SetDefault("presence.sweep_interval", 30*time.Second)
	v.SetDefault("presence.active_window", 5*time.Minute)
	v.SetDefault("presence.history_default_limit", 100)
	v.SetDefault("presence.history_max_limit", 1000)
	v.SetDefault("presence.trip_idle_after", time.Hour)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.queue_depth", 256)
	v.SetDefault("dispatch.task_timeout", 5*time.Second)
	v.SetDefault("retention.history", 7*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("ratelimit.rate", 5.0)
	v.SetDefault("ratelimit.burst", 20.0)
}

// Load reads defaults, then the optional file at path, then the environment.
// Keys map to environment variables by upper-casing and replacing "." with
// "_", e.g. presence.idle_after is PRESENCE_IDLE_AFTER.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		ServiceName:     v.GetString("service.name"),
		LogLevel:        v.GetString("log.level"),
		TraceStdout:     v.GetBool("trace.stdout"),
		HTTPAddr:        v.GetString("http.addr"),
		MetricsAddr:     v.GetString("metrics.addr"),
		GRPCAddr:        v.GetString("grpc.addr"),
		ShutdownTimeout: v.GetDuration("shutdown.timeout"),

		PostgresDSN:    v.GetString("postgres.dsn"),
		DirectoryQuery: v.GetString("directory.query"),
		RedisAddr:      v.GetString("redis.addr"),
		RedisPassword:  v.GetString("redis.password"),
		RedisDB:        v.GetInt("redis.db"),
		IdentityTTL:    v.GetDuration("directory.cache_ttl"),
		NATSURL:        v.GetString("nats.url"),
		NATSPrefix:     v.GetString("nats.prefix"),
		KafkaBrokers:   splitList(v.GetString("kafka.brokers")),
		KafkaTopic:     v.GetString("kafka.topic"),
		KafkaGroup:     v.GetString("kafka.group"),
		JWTSecret:      v.GetString("jwt.secret"),

		StoreShards: v.GetInt("store.shards"),
		Presence: PresenceConfig{
			IdleAfter:           v.GetDuration("presence.idle_after"),
			OfflineAfter:        v.GetDuration("presence.offline_after"),
			SweepInterval:       v.GetDuration("presence.sweep_interval"),
			ActiveWindow:        v.GetDuration("presence.active_window"),
			DefaultHistoryLimit: v.GetInt("presence.history_default_limit"),
			MaxHistoryLimit:     v.GetInt("presence.history_max_limit"),
			TripIdleAfter:       v.GetDuration("presence.trip_idle_after"),
		},
		Dispatcher: DispatcherConfig{
			Workers:     v.GetInt("dispatch.workers"),
			QueueDepth:  v.GetInt("dispatch.queue_depth"),
			TaskTimeout: v.GetDuration("dispatch.task_timeout"),
		},
		Retention: RetentionConfig{
			History:  v.GetDuration("retention.history"),
			Interval: v.GetDuration("retention.interval"),
		},
		RateLimit: RateLimitConfig{
			Rate:  v.GetFloat64("ratelimit.rate"),
			Burst: v.GetFloat64("ratelimit.burst"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Presence.IdleAfter <= 0 {
		errs = append(errs, errors.New("presence.idle_after must be positive"))
	}
	if c.Presence.OfflineAfter < 0 {
		errs = append(errs, errors.New("presence.offline_after must not be negative"))
	}
	if c.Presence.OfflineAfter > 0 && c.Presence.OfflineAfter <= c.Presence.IdleAfter {
		errs = append(errs, fmt.Errorf("presence.offline_after (%s) must exceed presence.idle_after (%s)", c.Presence.OfflineAfter, c.Presence.IdleAfter))
	}
	if c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence.sweep_interval must be positive"))
	}
	if c.Presence.DefaultHistoryLimit > c.Presence.MaxHistoryLimit {
		errs = append(errs, errors.New("presence.history_default_limit exceeds presence.history_max_limit"))
	}
	if c.Presence.TripIdleAfter <= 0 {
		errs = append(errs, errors.New("presence.trip_idle_after must be positive"))
	}
	if c.Retention.History <= 0 {
		errs = append(errs, errors.New("retention.history must be positive"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var res []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			res = append(res, s)
		}
	}
	return res
}
