package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the keeper and proxy processes.
type Config struct {
	Environment string

	Server    ServerConfig
	Proxy     ProxyConfig
	Logging   LoggingConfig
	Redis     RedisConfig
	Scylla    ScyllaConfig
	Kafka     KafkaConfig
	KMS       KMSConfig
	Hashing   HashingConfig
	Vault     VaultConfig
	Recovery  RecoveryConfig
	Group     GroupConfig
	Bucketing BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ServiceCredential authenticates the proxy to the keeper. The keeper
	// rejects any request that does not carry it.
	ServiceCredential string
}

type ProxyConfig struct {
	Port           int
	KeeperURL      string
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers     []string
	NotifyTopic string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

// VaultConfig bounds the unlock protocol's time windows.
type VaultConfig struct {
	ChallengeTTL       time.Duration
	SessionTTL         time.Duration
	SessionMaxLifetime time.Duration
	DeviceMaxFailures  int
	MaxUnlockFailures  int
	UnlockLockout      time.Duration
}

type RecoveryConfig struct {
	RequestTTL time.Duration
}

type GroupConfig struct {
	RequestTTL  time.Duration
	UnlockedTTL time.Duration
}

type BucketingConfig struct {
	UserBuckets  int
	GroupBuckets int
}

// LoadConfig reads configuration from the environment, with a local .env
// file taking effect in development.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:              getEnvInt("SERVER_PORT", 8080),
			TLSPort:           getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:         getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:          getEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:       getEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
			Domain:            getEnv("SERVER_DOMAIN", ""),
			Email:             getEnv("SERVER_EMAIL", ""),
			CertFile:          getEnv("SERVER_CERT_FILE", ""),
			KeyFile:           getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ServiceCredential: getEnv("KEEPER_SERVICE_CREDENTIAL", ""),
		},
		Proxy: ProxyConfig{
			Port:           getEnvInt("PROXY_PORT", 8081),
			KeeperURL:      getEnv("PROXY_KEEPER_URL", "http://localhost:8080"),
			AllowedOrigins: getEnvList("PROXY_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "vault_service"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:     getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			NotifyTopic: getEnv("KAFKA_NOTIFY_TOPIC", "recovery-notifications"),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 65536),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
		},
		Vault: VaultConfig{
			ChallengeTTL:       getEnvDuration("VAULT_CHALLENGE_TTL", 2*time.Minute),
			SessionTTL:         getEnvDuration("VAULT_SESSION_TTL", 15*time.Minute),
			SessionMaxLifetime: getEnvDuration("VAULT_SESSION_MAX_LIFETIME", 4*time.Hour),
			DeviceMaxFailures:  getEnvInt("VAULT_DEVICE_MAX_FAILURES", 3),
			MaxUnlockFailures:  getEnvInt("VAULT_MAX_UNLOCK_FAILURES", 10),
			UnlockLockout:      getEnvDuration("VAULT_UNLOCK_LOCKOUT", 15*time.Minute),
		},
		Recovery: RecoveryConfig{
			RequestTTL: getEnvDuration("RECOVERY_REQUEST_TTL", 24*time.Hour),
		},
		Group: GroupConfig{
			RequestTTL:  getEnvDuration("GROUP_REQUEST_TTL", 24*time.Hour),
			UnlockedTTL: getEnvDuration("GROUP_UNLOCKED_TTL", 30*time.Minute),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 64),
			GroupBuckets: getEnvInt("GROUP_BUCKETS", 16),
		},
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
