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
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	MFA      MFAConfig
	Alerts   AlertConfig
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

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	ChallengeTokenExpiry time.Duration
	RecoveryTokenExpiry  time.Duration
	CleanupInterval      time.Duration
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	TimingDelayOnSuccess bool
	RefreshCookie        bool
	CookieDomain         string
}

// MFAConfig carries the master key ring for sealing TOTP secrets plus the
// verification attempt limits. Keys arrive as MFA_MASTER_KEYS, a
// comma-separated list of version:base64key pairs; MFA_ACTIVE_KEY_VERSION
// names the version used for new seals. Retired versions stay in the ring so
// existing records remain readable until they are lazily re-sealed.
type MFAConfig struct {
	MasterKeys         map[uint32][]byte
	ActiveKeyVersion   uint32
	Issuer             string
	Algorithm          string
	MaxFailedPerUser   int
	MaxFailedPerIP     int
	MaxFailedPerDevice int
	AttemptWindow      time.Duration
	AttemptRetention   time.Duration
}

type AlertConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	masterKeys, err := parseMasterKeys(getEnv("MFA_MASTER_KEYS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "vigil"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseList(getEnv("TRUSTED_PROXIES", "")),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:   getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			ChallengeTokenExpiry: getEnvAsDuration("MFA_CHALLENGE_TOKEN_EXPIRY", 5*time.Minute),
			RecoveryTokenExpiry:  getEnvAsDuration("MFA_RECOVERY_TOKEN_EXPIRY", 10*time.Minute),
			CleanupInterval:      getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			TimingDelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),
			RefreshCookie:        getEnvAsBool("REFRESH_TOKEN_COOKIE", false),
			CookieDomain:         getEnv("COOKIE_DOMAIN", ""),
		},
		MFA: MFAConfig{
			MasterKeys:         masterKeys,
			ActiveKeyVersion:   uint32(getEnvAsInt("MFA_ACTIVE_KEY_VERSION", 1)),
			Issuer:             getEnv("MFA_ISSUER", "Vigil"),
			Algorithm:          getEnv("MFA_TOTP_ALGORITHM", "SHA1"),
			MaxFailedPerUser:   getEnvAsInt("MFA_MAX_FAILED_PER_USER", 5),
			MaxFailedPerIP:     getEnvAsInt("MFA_MAX_FAILED_PER_IP", 10),
			MaxFailedPerDevice: getEnvAsInt("MFA_MAX_FAILED_PER_DEVICE", 5),
			AttemptWindow:      getEnvAsDuration("MFA_ATTEMPT_WINDOW", 15*time.Minute),
			AttemptRetention:   getEnvAsDuration("MFA_ATTEMPT_RETENTION", 7*24*time.Hour),
		},
		Alerts: AlertConfig{
			Enabled:     getEnvAsBool("ALERTS_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", ""),
			FromAddress: getEnv("ALERT_FROM_ADDRESS", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate fails fast on anything the process cannot safely run without.
// Load calls it after assembling the config; tests exercise it directly.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		return err
	}

	if len(c.MFA.MasterKeys) == 0 {
		return fmt.Errorf("MFA_MASTER_KEYS is required (comma-separated version:base64key pairs)")
	}
	if _, ok := c.MFA.MasterKeys[c.MFA.ActiveKeyVersion]; !ok {
		return fmt.Errorf("MFA_ACTIVE_KEY_VERSION %d not present in MFA_MASTER_KEYS", c.MFA.ActiveKeyVersion)
	}

	switch c.MFA.Algorithm {
	case "SHA1", "SHA256":
	default:
		return fmt.Errorf("MFA_TOTP_ALGORITHM must be SHA1 or SHA256, got %q", c.MFA.Algorithm)
	}

	if c.Alerts.Enabled && (c.Alerts.AWSRegion == "" || c.Alerts.FromAddress == "") {
		return fmt.Errorf("ALERTS_ENABLED requires AWS_REGION and ALERT_FROM_ADDRESS")
	}

	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseMasterKeys decodes "1:base64key,2:base64key" into the key ring. Every
// key must decode to exactly 32 bytes (AES-256); a malformed entry aborts
// startup rather than silently shrinking the ring.
func parseMasterKeys(raw string) (map[uint32][]byte, error) {
	keys := make(map[uint32][]byte)
	if raw == "" {
		return keys, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		version, encoded, found := strings.Cut(entry, ":")
		if !found {
			return nil, fmt.Errorf("MFA_MASTER_KEYS entry %q is not version:base64key", entry)
		}

		v, err := strconv.ParseUint(version, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("MFA_MASTER_KEYS version %q is not a number", version)
		}

		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("MFA_MASTER_KEYS key for version %s is not valid base64", version)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("MFA_MASTER_KEYS key for version %s must decode to 32 bytes, got %d", version, len(key))
		}

		if _, dup := keys[uint32(v)]; dup {
			return nil, fmt.Errorf("MFA_MASTER_KEYS version %s appears twice", version)
		}
		keys[uint32(v)] = key
	}

	return keys, nil
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

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func parseList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return parseList(getEnv("ALLOWED_ORIGINS", ""))
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
