package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"kiosk-auth/internal/util"
)

type Config struct {
	Environment string

	Server     ServerConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Hashing    HashingConfig
	PIN        PINPolicyConfig
	RateLimit  RateLimitConfig
	Session    SessionConfig
	Admin      AdminConfig
	Bucketing  BucketingConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string

	// Browser origins allowed by CORS in addition to any localhost port
	AllowedOrigins []string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Pepper            string
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

// PINPolicyConfig holds the lockout policy parameters
type PINPolicyConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxAttempts int
	Shards      int
}

type SessionConfig struct {
	TTL            time.Duration
	ReaperInterval time.Duration
}

type AdminConfig struct {
	ResetKey string
}

type BucketingConfig struct {
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment, with .env support for
// local development
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Environment: util.GetEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         util.GetEnvInt("HTTP_PORT", 3000),
			TLSPort:      util.GetEnvInt("HTTPS_PORT", 3443),
			ReadTimeout:  util.GetEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    util.GetEnvBool("ENABLE_TLS", false),
			AutoCert:     util.GetEnvBool("AUTO_CERT", false),
			Domain:       util.GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     util.GetEnv("TLS_CERT_FILE", ""),
			KeyFile:      util.GetEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  util.GetEnv("AUTO_CERT_DIR", "./certs"),
			Email:        util.GetEnv("AUTO_CERT_EMAIL", ""),
			AllowedOrigins: util.GetEnvSlice("ALLOWED_ORIGINS", []string{
				"https://kiosk.example.com",
				"https://test.kiosk.example.com",
			}),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "kiosk_auth"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers: util.GetEnvSlice("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			Topic:   util.GetEnv("KAFKA_SECURITY_TOPIC", "pin-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      util.GetEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "kiosk_audit"),
			Table:    util.GetEnv("CLICKHOUSE_TABLE", "pin_security_events"),
		},
		KMS: KMSConfig{
			Enabled: util.GetEnvBool("KMS_ENABLED", false),
			KeyID:   util.GetEnv("KMS_KEY_ID", ""),
			Region:  util.GetEnv("KMS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Pepper:            util.GetEnv("PIN_PEPPER", ""),
			Argon2MemoryCost:  util.GetEnvInt("ARGON2_MEMORY_KB", 65536),
			Argon2TimeCost:    util.GetEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: util.GetEnvInt("ARGON2_PARALLELISM", 2),
		},
		PIN: PINPolicyConfig{
			MaxAttempts:     util.GetEnvInt("PIN_MAX_ATTEMPTS", 5),
			LockoutDuration: util.GetEnvDuration("PIN_LOCKOUT_DURATION", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Window:      util.GetEnvDuration("VERIFY_RATE_WINDOW", 5*time.Minute),
			MaxAttempts: util.GetEnvInt("VERIFY_MAX_WINDOW_ATTEMPTS", 15),
			Shards:      util.GetEnvInt("RATE_LIMIT_SHARDS", 16),
		},
		Session: SessionConfig{
			TTL:            util.GetEnvDuration("SESSION_TTL", 30*time.Minute),
			ReaperInterval: util.GetEnvDuration("SESSION_REAPER_INTERVAL", 5*time.Minute),
		},
		Admin: AdminConfig{
			ResetKey: util.GetEnv("ADMIN_RESET_KEY", ""),
		},
		Bucketing: BucketingConfig{
			EventBuckets: util.GetEnvInt("EVENT_BUCKETS", 64),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IsProduction() {
		if c.Hashing.Pepper == "" {
			return errors.New("PIN_PEPPER is required in production")
		}
		if c.Admin.ResetKey == "" {
			return errors.New("ADMIN_RESET_KEY is required in production")
		}
	}
	if c.PIN.MaxAttempts < 1 {
		return fmt.Errorf("PIN_MAX_ATTEMPTS must be positive, got %d", c.PIN.MaxAttempts)
	}
	if c.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("VERIFY_MAX_WINDOW_ATTEMPTS must be positive, got %d", c.RateLimit.MaxAttempts)
	}
	if c.RateLimit.Shards < 1 {
		c.RateLimit.Shards = 1
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "local"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
