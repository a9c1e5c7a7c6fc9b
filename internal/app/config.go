package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the otpguard service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Geo         GeoConfig         `mapstructure:"geo"`
	Email       EmailConfig       `mapstructure:"email"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver       string       `mapstructure:"driver"`
	Path         string       `mapstructure:"path"`
	DSN          string       `mapstructure:"dsn"`
	Postgres     DBAuthConfig `mapstructure:"postgres"`
	MySQL        DBAuthConfig `mapstructure:"mysql"`
	MaxOpenConns int          `mapstructure:"max_open_conns"`
	MaxIdleConns int          `mapstructure:"max_idle_conns"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	Token TokenSettings `mapstructure:"token"`
	OTP   OTPSettings   `mapstructure:"otp"`
	MFA   MFASettings   `mapstructure:"mfa"`
}

// TokenSettings configures the signed bearer tokens.
type TokenSettings struct {
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
	OTPVerifyTTL time.Duration `mapstructure:"otp_verify_ttl"`
	MFATTL       time.Duration `mapstructure:"mfa_ttl"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

// OTPSettings configures emailed passcodes and the lockout policy.
type OTPSettings struct {
	TTL           time.Duration `mapstructure:"ttl"`
	Digits        int           `mapstructure:"digits"`
	HashCost      int           `mapstructure:"hash_cost"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
}

// MFASettings configures authenticator enrolment and challenges.
type MFASettings struct {
	Issuer            string        `mapstructure:"issuer"`
	QRSize            int           `mapstructure:"qr_size"`
	Skew              uint          `mapstructure:"skew"`
	ChallengeTTL      time.Duration `mapstructure:"challenge_ttl"`
	MaxTrustedDevices int           `mapstructure:"max_trusted_devices"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
}

// GeoConfig selects how client addresses are located.
type GeoConfig struct {
	Provider         string              `mapstructure:"provider"`
	DatabasePath     string              `mapstructure:"database_path"`
	FallbackTimezone string              `mapstructure:"fallback_timezone"`
	Timeout          time.Duration       `mapstructure:"timeout"`
	Static           []StaticGeoLocation `mapstructure:"static"`
}

// StaticGeoLocation pins an IP to a location for the static provider.
type StaticGeoLocation struct {
	IP        string  `mapstructure:"ip"`
	Country   string  `mapstructure:"country"`
	City      string  `mapstructure:"city"`
	Latitude  float64 `mapstructure:"lat"`
	Longitude float64 `mapstructure:"lon"`
	Timezone  string  `mapstructure:"timezone"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig bounds request rates on the public auth endpoints.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	// PerEmailRPS throttles create-auth per address in process.
	PerEmailRPS   float64 `mapstructure:"per_email_rps"`
	PerEmailBurst int     `mapstructure:"per_email_burst"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MaintenanceConfig schedules the background reaper.
type MaintenanceConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	OTPPurgeSchedule   string `mapstructure:"otp_purge_schedule"`
	CachePurgeSchedule string `mapstructure:"cache_purge_schedule"`
	AuditSchedule      string `mapstructure:"audit_schedule"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("OTPGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/otpguard.sqlite")

	v.SetDefault("auth.token.issuer", "otpguard")
	v.SetDefault("auth.token.otp_verify_ttl", "5m")
	v.SetDefault("auth.token.mfa_ttl", "5m")
	v.SetDefault("auth.token.session_ttl", "24h")

	v.SetDefault("auth.otp.ttl", "15m")
	v.SetDefault("auth.otp.digits", 6)
	v.SetDefault("auth.otp.hash_cost", 10)
	v.SetDefault("auth.otp.max_attempts", 5)
	v.SetDefault("auth.otp.attempt_window", "15m")

	v.SetDefault("auth.mfa.issuer", "SecureAuth")
	v.SetDefault("auth.mfa.qr_size", 256)
	v.SetDefault("auth.mfa.skew", 1)
	v.SetDefault("auth.mfa.challenge_ttl", "5m")
	v.SetDefault("auth.mfa.max_trusted_devices", 20)

	v.SetDefault("geo.provider", "none")
	v.SetDefault("geo.fallback_timezone", "UTC")
	v.SetDefault("geo.timeout", "2s")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.per_email_rps", 0.2)
	v.SetDefault("rate_limit.per_email_burst", 3)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.otp_purge_schedule", "@every 5m")
	v.SetDefault("maintenance.cache_purge_schedule", "@every 10m")
	v.SetDefault("maintenance.audit_schedule", "@daily")
	v.SetDefault("maintenance.audit_retention_days", 90)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
