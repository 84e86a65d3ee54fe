package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvProduction = "production"

type Config struct {
	Env       string `env:"NODE_ENV" envDefault:"development"`
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Session   SessionConfig
	Redis     RedisConfig
	Email     EmailConfig
	Audit     AuditConfig
	Bootstrap BootstrapConfig
}

type DatabaseConfig struct {
	Host              string        `env:"DB_HOST" envDefault:"localhost"`
	Port              int           `env:"DB_PORT" envDefault:"5432"`
	User              string        `env:"DB_USER" envDefault:"postgres"`
	Password          string        `env:"DB_PASSWORD"`
	Name              string        `env:"DB_NAME" envDefault:"qbh_portal"`
	SSLMode           string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns          int32         `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns          int32         `env:"DB_MIN_CONNS" envDefault:"5"`
	MaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"5m"`
	MaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"1m"`
	HealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	AutoMigrate       bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	ConnectRetries    int           `env:"DB_CONNECT_RETRIES" envDefault:"5"`
}

type ServerConfig struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	CookieDomain   string        `env:"COOKIE_DOMAIN"`
}

type AuthConfig struct {
	JWTSecret         string        `env:"JWT_SECRET,required,notEmpty"`
	TokenExpiry       time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`
	MobileTokenExpiry time.Duration `env:"MOBILE_TOKEN_EXPIRY" envDefault:"720h"`
	ResetTokenExpiry  time.Duration `env:"PASSWORD_RESET_TOKEN_EXPIRY" envDefault:"1h"`
	SecretGraceDays   int           `env:"SECRET_GRACE_DAYS" envDefault:"7"`
	EncryptionKey     string        `env:"ENCRYPTION_KEY"`
	TOTPIssuer        string        `env:"TOTP_ISSUER" envDefault:"QBH Portal"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	PasswordResetURL  string        `env:"PASSWORD_RESET_URL" envDefault:"http://localhost:5173/reset-password"`
}

type SessionConfig struct {
	// Secret signs session cookies; empty means the current JWT secret.
	Secret string        `env:"SESSION_SECRET"`
	TTL    time.Duration `env:"SESSION_TTL" envDefault:"2h"`
}

type RedisConfig struct {
	// URL enables the shared secret, session and rate-limit stores.
	URL string `env:"REDIS_URL"`
}

type EmailConfig struct {
	Region      string `env:"AWS_REGION"`
	FromAddress string `env:"SES_FROM_ADDRESS"`
}

// Enabled reports whether SES delivery is configured.
func (c EmailConfig) Enabled() bool {
	return c.Region != "" && c.FromAddress != ""
}

type AuditConfig struct {
	QueueSize int `env:"AUDIT_QUEUE_SIZE" envDefault:"1024"`
	Workers   int `env:"AUDIT_WORKERS" envDefault:"2"`
	// RetentionDays of zero keeps audit entries forever.
	RetentionDays int `env:"AUDIT_RETENTION_DAYS" envDefault:"2190"`
}

type BootstrapConfig struct {
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(cfg.Auth.JWTSecret, cfg.Env); err != nil {
		return nil, err
	}

	if cfg.Session.Secret == "" {
		cfg.Session.Secret = cfg.Auth.JWTSecret
	}

	if cfg.Auth.SecretGraceDays < 0 {
		return nil, fmt.Errorf("SECRET_GRACE_DAYS must not be negative")
	}

	if cfg.Audit.RetentionDays < 0 {
		return nil, fmt.Errorf("AUDIT_RETENTION_DAYS must not be negative")
	}

	cfg.Server.AllowedOrigins = normalizeOrigins(cfg.Server.AllowedOrigins, cfg.Env)

	return cfg, nil
}

// IsProduction gates Secure cookies, strict SameSite and HSTS.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// SecretGracePeriod is the rotation grace window.
func (c *AuthConfig) SecretGracePeriod() time.Duration {
	return time.Duration(c.SecretGraceDays) * 24 * time.Hour
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == EnvProduction {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if strings.Repeat(weak, len(secretLower)/len(weak)) == secretLower {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func normalizeOrigins(origins []string, env string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		if o := strings.TrimSpace(origin); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) > 0 || env == EnvProduction {
		return cleaned
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite default
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
		"http://127.0.0.1:8080",
	}
}
