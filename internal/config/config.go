package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"go_fiskal/internal/crypto"
)

// Config holds all configuration
type Config struct {
	MySQL       MySQLConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CIS         CISConfig
	QueueWorker QueueWorkerConfig
	MasterKey   []byte // envelope encryption master key, decoded
	Migrate     bool
	HTTPAddr    string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// CISConfig holds tax authority endpoint configuration
type CISConfig struct {
	TestEndpoint string
	ProdEndpoint string
	TimeoutSec   int
}

// QueueWorkerConfig holds fiscal queue worker configuration
type QueueWorkerConfig struct {
	Enabled        bool
	IntervalSec    int
	LockStaleSec   int
	BackoffBaseSec int
	BackoffFactor  float64
	BackoffCapSec  int
	BackoffJitter  float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_fiskal"),
		},
		CIS: CISConfig{
			TestEndpoint: getEnv("CIS_TEST_ENDPOINT", ""),
			ProdEndpoint: getEnv("CIS_PROD_ENDPOINT", ""),
			TimeoutSec:   getEnvInt("CIS_TIMEOUT_SEC", 30),
		},
		QueueWorker: QueueWorkerConfig{
			Enabled:        getEnv("QUEUE_WORKER_ENABLED", "1") == "1",
			IntervalSec:    getEnvInt("QUEUE_WORKER_INTERVAL_SEC", 5),
			LockStaleSec:   getEnvInt("QUEUE_LOCK_STALE_SEC", 300),
			BackoffBaseSec: getEnvInt("QUEUE_BACKOFF_BASE_SEC", 30),
			BackoffFactor:  getEnvFloat("QUEUE_BACKOFF_FACTOR", 4),
			BackoffCapSec:  getEnvInt("QUEUE_BACKOFF_CAP_SEC", 7200),
			BackoffJitter:  getEnvFloat("QUEUE_BACKOFF_JITTER", 0.1),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	masterKey, err := parseMasterKey(os.Getenv("FISCAL_MASTER_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.MasterKey = masterKey

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func parseMasterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("FISCAL_MASTER_KEY is required")
	}
	key, err := crypto.ParseMasterKey(raw)
	if err != nil {
		return nil, fmt.Errorf("FISCAL_MASTER_KEY is invalid: %w", err)
	}
	return key, nil
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	// Load INI file
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		// Priority 2: INI file
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		// Priority 2: INI file
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		// Priority 3: Default value
		return defaultValue
	}

	getValueFloat := func(envKey, iniSection, iniKey string, defaultValue float64) float64 {
		if value := os.Getenv(envKey); value != "" {
			if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
				return floatValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Float64(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		// Priority 1: Environment variable
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		// Priority 2: INI file
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		// Priority 3: Default value
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_seconds", 86400) / 60,
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_fiskal"),
		},
		CIS: CISConfig{
			TestEndpoint: getValue("CIS_TEST_ENDPOINT", "cis", "test_endpoint", ""),
			ProdEndpoint: getValue("CIS_PROD_ENDPOINT", "cis", "prod_endpoint", ""),
			TimeoutSec:   getValueInt("CIS_TIMEOUT_SEC", "cis", "timeout_sec", 30),
		},
		QueueWorker: QueueWorkerConfig{
			Enabled:        getValueBool("QUEUE_WORKER_ENABLED", "queue", "worker_enabled", true),
			IntervalSec:    getValueInt("QUEUE_WORKER_INTERVAL_SEC", "queue", "interval_sec", 5),
			LockStaleSec:   getValueInt("QUEUE_LOCK_STALE_SEC", "queue", "lock_stale_sec", 300),
			BackoffBaseSec: getValueInt("QUEUE_BACKOFF_BASE_SEC", "queue", "backoff_base_sec", 30),
			BackoffFactor:  getValueFloat("QUEUE_BACKOFF_FACTOR", "queue", "backoff_factor", 4),
			BackoffCapSec:  getValueInt("QUEUE_BACKOFF_CAP_SEC", "queue", "backoff_cap_sec", 7200),
			BackoffJitter:  getValueFloat("QUEUE_BACKOFF_JITTER", "queue", "backoff_jitter", 0.1),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
	}

	masterKey, err := parseMasterKey(getValue("FISCAL_MASTER_KEY", "fiscal", "master_key", ""))
	if err != nil {
		return nil, err
	}
	cfg.MasterKey = masterKey

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}
