package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Server    ServerConfig
	Session   SessionConfig
	Lockout   LockoutConfig
	Challenge ChallengeConfig
	Policy    PolicyConfig
	Audit     AuditConfig
	Delivery  DeliveryConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
}

type SessionConfig struct {
	HandleSecret    string
	MaxActive       int
	EvictionPolicy  string // reject | evict_oldest, no default
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	RiskThreshold   float64
	SweepInterval   time.Duration
}

type LockoutConfig struct {
	Threshold       int
	WarningAt       int
	Window          time.Duration
	BaseDuration    time.Duration
	Multiplier      float64
	MaxDuration     time.Duration
	MFAShareCounter bool
	MFAWeight       int64
}

type ChallengeConfig struct {
	TOTPIssuer       string
	TOTPPeriod       uint
	TOTPSkew         uint
	EncryptionKey    []byte // 32 bytes, decoded from base64
	OOBCodeLength    int
	OOBTTL           time.Duration
	BackupCodeCount  int
	BackupCodeLength int
}

type PolicyConfig struct {
	MinLength    int
	MaxLength    int
	HistoryDepth int
	MaxRun       int
	MaxAge       time.Duration
}

type AuditConfig struct {
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Retention        time.Duration
	ScanInterval     time.Duration
	ScanLookback     time.Duration
	EscalateFindings bool
}

type DeliveryConfig struct {
	Mode        string // ses | log
	SESRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	handleSecret := getEnv("SESSION_HANDLE_SECRET", "")
	if handleSecret == "" {
		return nil, fmt.Errorf("SESSION_HANDLE_SECRET is required")
	}
	if err := validateHandleSecret(handleSecret, env); err != nil {
		return nil, err
	}

	// The concurrency overflow policy must be an explicit deployment
	// decision: silently evicting sessions and silently rejecting logins
	// are both surprising defaults.
	evictionPolicy := getEnv("SESSION_EVICTION_POLICY", "")
	switch evictionPolicy {
	case "reject", "evict_oldest":
	case "":
		return nil, fmt.Errorf("SESSION_EVICTION_POLICY is required (reject or evict_oldest)")
	default:
		return nil, fmt.Errorf("SESSION_EVICTION_POLICY must be reject or evict_oldest, got %q", evictionPolicy)
	}

	encryptionKey, err := parseEncryptionKey(getEnv("TOTP_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: parseList(getEnv("TRUSTED_PROXIES", "")),
		},
		Session: SessionConfig{
			HandleSecret:    handleSecret,
			MaxActive:       getEnvAsInt("SESSION_MAX_ACTIVE", 3),
			EvictionPolicy:  evictionPolicy,
			IdleTimeout:     getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			AbsoluteTimeout: getEnvAsDuration("SESSION_ABSOLUTE_TIMEOUT", 12*time.Hour),
			RiskThreshold:   getEnvAsFloat("SESSION_RISK_THRESHOLD", 0.8),
			SweepInterval:   getEnvAsDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Lockout: LockoutConfig{
			Threshold:       getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			WarningAt:       getEnvAsInt("LOCKOUT_WARNING_AT", 3),
			Window:          getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			BaseDuration:    getEnvAsDuration("LOCKOUT_BASE_DURATION", 1*time.Minute),
			Multiplier:      getEnvAsFloat("LOCKOUT_MULTIPLIER", 2.0),
			MaxDuration:     getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			MFAShareCounter: getEnvAsBool("LOCKOUT_MFA_SHARED_COUNTER", true),
			MFAWeight:       int64(getEnvAsInt("LOCKOUT_MFA_WEIGHT", 1)),
		},
		Challenge: ChallengeConfig{
			TOTPIssuer:       getEnv("TOTP_ISSUER", "Bastion"),
			TOTPPeriod:       uint(getEnvAsInt("TOTP_PERIOD", 30)),
			TOTPSkew:         uint(getEnvAsInt("TOTP_SKEW", 1)),
			EncryptionKey:    encryptionKey,
			OOBCodeLength:    getEnvAsInt("OOB_CODE_LENGTH", 8),
			OOBTTL:           getEnvAsDuration("OOB_CODE_TTL", 5*time.Minute),
			BackupCodeCount:  getEnvAsInt("BACKUP_CODE_COUNT", 10),
			BackupCodeLength: getEnvAsInt("BACKUP_CODE_LENGTH", 10),
		},
		Policy: PolicyConfig{
			MinLength:    getEnvAsInt("POLICY_MIN_LENGTH", 8),
			MaxLength:    getEnvAsInt("POLICY_MAX_LENGTH", 128),
			HistoryDepth: getEnvAsInt("POLICY_HISTORY_DEPTH", 5),
			MaxRun:       getEnvAsInt("POLICY_MAX_RUN", 3),
			MaxAge:       getEnvAsDuration("POLICY_MAX_AGE", 0),
		},
		Audit: AuditConfig{
			MaxRetries:       getEnvAsInt("AUDIT_MAX_RETRIES", 3),
			BaseBackoff:      getEnvAsDuration("AUDIT_BASE_BACKOFF", 50*time.Millisecond),
			MaxBackoff:       getEnvAsDuration("AUDIT_MAX_BACKOFF", 1*time.Second),
			Retention:        getEnvAsDuration("AUDIT_RETENTION", 90*24*time.Hour),
			ScanInterval:     getEnvAsDuration("ANOMALY_SCAN_INTERVAL", 1*time.Minute),
			ScanLookback:     getEnvAsDuration("ANOMALY_SCAN_LOOKBACK", 15*time.Minute),
			EscalateFindings: getEnvAsBool("ANOMALY_ESCALATE", true),
		},
		Delivery: DeliveryConfig{
			Mode:        getEnv("DELIVERY_MODE", "log"),
			SESRegion:   getEnv("SES_REGION", "us-east-1"),
			FromAddress: getEnv("SES_FROM_ADDRESS", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Delivery.Mode == "ses" && cfg.Delivery.FromAddress == "" {
		return nil, fmt.Errorf("SES_FROM_ADDRESS is required when DELIVERY_MODE=ses")
	}
	if cfg.Session.MaxActive < 1 {
		return nil, fmt.Errorf("SESSION_MAX_ACTIVE must be at least 1")
	}
	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}

	return cfg, nil
}

// validateHandleSecret enforces minimum strength for the session handle key
func validateHandleSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}
	if len(secret) < minLength {
		return fmt.Errorf("SESSION_HANDLE_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}
	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("SESSION_HANDLE_SECRET cannot be a common weak value")
		}
	}
	return nil
}

// parseEncryptionKey decodes the base64 TOTP secret encryption key and
// checks it is exactly 256 bits.
func parseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
