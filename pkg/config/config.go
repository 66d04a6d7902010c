package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates every subsystem's configuration. Loaded once at
// process startup and passed down through constructors.
type Config struct {
	Logging      LoggingConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Audit        AuditConfig
	Session      SessionConfig
	Prefilter    PrefilterConfig
	Rule         RuleConfig
	Dedup        DedupConfig
	Suppression  SuppressionConfig
	History      HistoryConfig
	Distributor  DistributorConfig
	Sync         SyncConfig
	Token        TokenConfig
	ID           IDConfig
	Websocket    WebsocketConfig
}

type LoggingConfig struct {
	Level   string
	Format  string
	Service string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers                  []string
	TopicSensorData          string
	TopicAlarmEvents         string
	NumPartitions            int
	ConsumerNormalGroup      string
	ConsumerBackpressureGroup string
	NormalConcurrency        int
	BackpressureConcurrency  int
	BackpressureBatchSize    int
	BackpressureFlushInterval time.Duration
}

// AuditConfig is optional Postgres persistence for the alarm audit log.
// Disabled by default (AUDIT_ENABLED is false) since the core does not require it.
type AuditConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (a AuditConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		a.Host, a.Port, a.User, a.Password, a.DBName, a.SSLMode)
}

type SessionConfig struct {
	Port             int
	MaxConnections   int
	IdleSeconds      int
	MaxPendingWrites int
	AuthAttemptsPerMinute int
}

type PrefilterConfig struct {
	TemperatureThreshold float64
	HumidityThreshold    float64
	AccumulationFloor    float64
}

type RuleConfig struct {
	UpdateP95Ms int
}

type DedupConfig struct {
	Enabled       bool
	WindowSeconds int
}

type SuppressionConfig struct {
	AutoExpireSeconds int
	LockWaitMs        int
	LockLeaseMs       int
}

type HistoryConfig struct {
	RetentionDays        int
	InMemoryFallbackSize int
	SweepInterval        time.Duration
}

type DistributorConfig struct {
	RetryMaxAttempts   int
	RetryBackoffMs     int
	CircuitFailureRate float64
	CircuitCooldownMs  int
	BulkheadConcurrency int
	TimeoutMs          int
}

type SyncConfig struct {
	SnapshotIntervalSeconds  int
	MaxEventsPerSnapshot     int
	BroadcastIntervalSeconds int
}

type TokenConfig struct {
	AccessTTLSeconds  int
	RefreshTTLSeconds int
	EnvelopeSecret    string
}

type IDConfig struct {
	NodeID int64 // -1 means derive from hardware address
}

type WebsocketConfig struct {
	Port int
}

// Load reads a .env file (if present, ignored otherwise) and environment
// variables into a Config, applying the defaults spec.md calls out.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  getEnv("LOG_FORMAT", "console"),
			Service: getEnv("SERVICE_NAME", "firecore"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:                   strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicSensorData:           getEnv("KAFKA_TOPIC_SENSOR_DATA", "sensor-data"),
			TopicAlarmEvents:          getEnv("KAFKA_TOPIC_ALARM_EVENTS", "alarm-events"),
			NumPartitions:             getEnvAsInt("KAFKA_NUM_PARTITIONS", 6),
			ConsumerNormalGroup:       getEnv("KAFKA_GROUP_NORMAL", "sensor-data-normal"),
			ConsumerBackpressureGroup: getEnv("KAFKA_GROUP_BACKPRESSURE", "sensor-data-backpressure"),
			NormalConcurrency:         getEnvAsInt("QUEUE_NORMAL_CONCURRENCY", 8),
			BackpressureConcurrency:   getEnvAsInt("QUEUE_BACKPRESSURE_CONCURRENCY", 2),
			BackpressureBatchSize:     getEnvAsInt("QUEUE_BACKPRESSURE_BATCH_SIZE", 100),
			BackpressureFlushInterval: getEnvAsDuration("QUEUE_BACKPRESSURE_FLUSH_INTERVAL", 5*time.Second),
		},
		Audit: AuditConfig{
			Enabled:  getEnvAsBool("AUDIT_ENABLED", false),
			Host:     getEnv("AUDIT_DB_HOST", "localhost"),
			Port:     getEnvAsInt("AUDIT_DB_PORT", 5432),
			User:     getEnv("AUDIT_DB_USER", "firecore"),
			Password: getEnv("AUDIT_DB_PASSWORD", "firecore"),
			DBName:   getEnv("AUDIT_DB_NAME", "firecore_audit"),
			SSLMode:  getEnv("AUDIT_DB_SSLMODE", "disable"),
		},
		Session: SessionConfig{
			Port:                  getEnvAsInt("SESSION_PORT", 9090),
			MaxConnections:        getEnvAsInt("SESSION_MAX_CONNECTIONS", 20000),
			IdleSeconds:           getEnvAsInt("SESSION_IDLE_SECONDS", 10),
			MaxPendingWrites:      getEnvAsInt("SESSION_MAX_PENDING_WRITES", 64),
			AuthAttemptsPerMinute: getEnvAsInt("SESSION_AUTH_ATTEMPTS_PER_MINUTE", 30),
		},
		Prefilter: PrefilterConfig{
			TemperatureThreshold: getEnvAsFloat("PREFILTER_TEMPERATURE_THRESHOLD", 0.5),
			HumidityThreshold:    getEnvAsFloat("PREFILTER_HUMIDITY_THRESHOLD", 1.0),
			AccumulationFloor:    getEnvAsFloat("PREFILTER_ACCUMULATION_FLOOR", 5.0),
		},
		Rule: RuleConfig{
			UpdateP95Ms: getEnvAsInt("RULE_UPDATE_P95_MS", 200),
		},
		Dedup: DedupConfig{
			Enabled:       getEnvAsBool("DEDUP_ENABLED", true),
			WindowSeconds: getEnvAsInt("DEDUP_WINDOW_SECONDS", 300),
		},
		Suppression: SuppressionConfig{
			AutoExpireSeconds: getEnvAsInt("SUPPRESSION_AUTO_EXPIRE_SECONDS", 1800),
			LockWaitMs:        getEnvAsInt("SUPPRESSION_LOCK_WAIT_MS", 5000),
			LockLeaseMs:       getEnvAsInt("SUPPRESSION_LOCK_LEASE_MS", 10000),
		},
		History: HistoryConfig{
			RetentionDays:        getEnvAsInt("HISTORY_RETENTION_DAYS", 30),
			InMemoryFallbackSize: getEnvAsInt("HISTORY_IN_MEMORY_FALLBACK_SIZE", 1000),
			SweepInterval:        getEnvAsDuration("HISTORY_SWEEP_INTERVAL", 1*time.Hour),
		},
		Distributor: DistributorConfig{
			RetryMaxAttempts:    getEnvAsInt("DISTRIBUTOR_RETRY_MAX_ATTEMPTS", 3),
			RetryBackoffMs:      getEnvAsInt("DISTRIBUTOR_RETRY_BACKOFF_MS", 100),
			CircuitFailureRate:  getEnvAsFloat("DISTRIBUTOR_CIRCUIT_FAILURE_RATE", 0.5),
			CircuitCooldownMs:   getEnvAsInt("DISTRIBUTOR_CIRCUIT_COOLDOWN_MS", 5000),
			BulkheadConcurrency: getEnvAsInt("DISTRIBUTOR_BULKHEAD_CONCURRENCY", 16),
			TimeoutMs:           getEnvAsInt("DISTRIBUTOR_TIMEOUT_MS", 2000),
		},
		Sync: SyncConfig{
			SnapshotIntervalSeconds:  getEnvAsInt("SYNC_SNAPSHOT_INTERVAL_SECONDS", 300),
			MaxEventsPerSnapshot:     getEnvAsInt("SYNC_MAX_EVENTS_PER_SNAPSHOT", 1000),
			BroadcastIntervalSeconds: getEnvAsInt("SYNC_BROADCAST_INTERVAL_SECONDS", 300),
		},
		Token: TokenConfig{
			AccessTTLSeconds:  getEnvAsInt("TOKEN_ACCESS_TTL_SECONDS", 300),
			RefreshTTLSeconds: getEnvAsInt("TOKEN_REFRESH_TTL_SECONDS", 86400),
			EnvelopeSecret:    getEnv("TOKEN_ENVELOPE_SECRET", "dev-envelope-secret-change-me"),
		},
		ID: IDConfig{
			NodeID: int64(getEnvAsInt("ID_NODE_ID", -1)),
		},
		Websocket: WebsocketConfig{
			Port: getEnvAsInt("WEBSOCKET_PORT", 9091),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
