package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lock backends.
const (
	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AvgConsultationMinutes   int           `mapstructure:"AVG_CONSULTATION_MINUTES"`
	MaxWaitMinutes           int           `mapstructure:"MAX_WAIT_MINUTES"`
	MissedGraceMinutes       int           `mapstructure:"MISSED_GRACE_MINUTES"`
	EmergencyPendingTimeout  time.Duration `mapstructure:"EMERGENCY_PENDING_TIMEOUT"`
	EmergencyConsultationFee int64         `mapstructure:"EMERGENCY_CONSULTATION_FEE"`
	SweepInterval            time.Duration `mapstructure:"SWEEP_INTERVAL"`
	ClinicTimezone           string        `mapstructure:"CLINIC_TIMEZONE"`
	WSSendBuffer             int           `mapstructure:"WS_SEND_BUFFER"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"LOCK_BACKEND", "LOCK_TTL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"AVG_CONSULTATION_MINUTES", "MAX_WAIT_MINUTES", "MISSED_GRACE_MINUTES",
	"EMERGENCY_PENDING_TIMEOUT", "EMERGENCY_CONSULTATION_FEE", "SWEEP_INTERVAL",
	"CLINIC_TIMEZONE", "WS_SEND_BUFFER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LOCK_BACKEND", LockLocal)
	v.SetDefault("LOCK_TTL", "5s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("AVG_CONSULTATION_MINUTES", 15)
	v.SetDefault("MAX_WAIT_MINUTES", 180)
	v.SetDefault("MISSED_GRACE_MINUTES", 30)
	v.SetDefault("EMERGENCY_PENDING_TIMEOUT", "5m")
	v.SetDefault("EMERGENCY_CONSULTATION_FEE", 500)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("WS_SEND_BUFFER", 256)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the clinic timezone used to turn a booking date and slot
// time into an instant.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.LockBackend {
	case LockLocal, LockPostgres:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q, %q or %q, got %q", LockLocal, LockRedis, LockPostgres, c.LockBackend)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set without AUTH_SIGNING_KEY")
	}

	durations := map[string]time.Duration{
		"LOCK_TTL":                  c.LockTTL,
		"REQUEST_TIMEOUT":           c.RequestTimeout,
		"EMERGENCY_PENDING_TIMEOUT": c.EmergencyPendingTimeout,
		"SWEEP_INTERVAL":            c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.AvgConsultationMinutes <= 0 {
		return fmt.Errorf("AVG_CONSULTATION_MINUTES must be positive, got %d", c.AvgConsultationMinutes)
	}
	if c.MaxWaitMinutes < 0 || c.MissedGraceMinutes < 0 {
		return fmt.Errorf("MAX_WAIT_MINUTES and MISSED_GRACE_MINUTES must not be negative")
	}
	if c.EmergencyConsultationFee < 0 {
		return fmt.Errorf("EMERGENCY_CONSULTATION_FEE must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
