package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/cdc-search-bridge/pkg/config"
)

type Config struct {
	Server        ServerConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Bridge        BridgeConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type KafkaConfig struct {
	Brokers             string
	Topics              []string
	GroupID             string `mapstructure:"group_id"`
	AutoOffsetReset     string `mapstructure:"auto_offset_reset"`
	MaxPollIntervalMs   int    `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMs    int    `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMs int    `mapstructure:"heartbeat_interval_ms"`
	FetchMinBytes       int    `mapstructure:"fetch_min_bytes"`
	FetchMaxWaitMs      int    `mapstructure:"fetch_max_wait_ms"`
	PollWaitMs          int    `mapstructure:"poll_wait_ms"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	// Mappings declares per-index field mappings, keyed by index name.
	// Declared indices are created at startup if absent.
	Mappings map[string]string `mapstructure:"mappings"`
}

type BridgeConfig struct {
	BatchMaxSize      int           `mapstructure:"batch_max_size"`
	BatchLinger       time.Duration `mapstructure:"batch_linger"`
	PollMaxRecords    int           `mapstructure:"poll_max_records"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	WriteMaxRetries   int           `mapstructure:"write_max_retries"`
	WriteRetryBackoff time.Duration `mapstructure:"write_retry_backoff"`
	StatsInterval     time.Duration `mapstructure:"stats_interval"`
	IndexPrefix       string        `mapstructure:"index_prefix"`
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topics", []string{"cdc.public.users", "cdc.public.orders"})
	v.SetDefault("kafka.group_id", "elasticsearch-indexer")
	v.SetDefault("kafka.auto_offset_reset", "earliest")
	v.SetDefault("kafka.max_poll_interval_ms", 300000)
	v.SetDefault("kafka.session_timeout_ms", 45000)
	v.SetDefault("kafka.heartbeat_interval_ms", 3000)
	v.SetDefault("kafka.fetch_min_bytes", 1)
	v.SetDefault("kafka.fetch_max_wait_ms", 500)
	v.SetDefault("kafka.poll_wait_ms", 1000)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("bridge.batch_max_size", 100)
	v.SetDefault("bridge.batch_linger", "1s")
	v.SetDefault("bridge.poll_max_records", 100)
	v.SetDefault("bridge.write_timeout", "10s")
	v.SetDefault("bridge.write_max_retries", 5)
	v.SetDefault("bridge.write_retry_backoff", "500ms")
	v.SetDefault("bridge.stats_interval", "10s")
	v.SetDefault("bridge.index_prefix", "")
	v.SetDefault("log.level", "info")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topics", "KAFKA_TOPICS")
	v.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("kafka.auto_offset_reset", "KAFKA_AUTO_OFFSET_RESET")
	v.BindEnv("elasticsearch.addresses", "ES_ADDRESSES")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Bridge.BatchLinger = parseDuration(v, "bridge.batch_linger", time.Second)
	cfg.Bridge.WriteTimeout = parseDuration(v, "bridge.write_timeout", 10*time.Second)
	cfg.Bridge.WriteRetryBackoff = parseDuration(v, "bridge.write_retry_backoff", 500*time.Millisecond)
	cfg.Bridge.StatsInterval = parseDuration(v, "bridge.stats_interval", 10*time.Second)

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
