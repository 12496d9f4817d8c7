package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSecurityConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPAddr    string
	BaseURL     string

	// AuthSecret is the root secret: it signs bearer tokens and derives the
	// AEAD keys for the external-login state and cookie carriers.
	AuthSecret       string
	AuthCookieSecure bool

	OTLPEndpoint string

	Cloud CloudConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type CloudConfig struct {
	TenantID  string
	Telemetry CloudTelemetryConfig
}

type CloudTelemetryConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeOSS))
	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	return Config{
		AppName:          getenv("APP_SERVICE", "keyline"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Mode:             mode,
		Environment:      environment,
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		BaseURL:          strings.TrimRight(getenv("BASE_URL", "http://localhost:8080"), "/"),
		AuthSecret:       strings.TrimSpace(getenv("AUTH_SECRET", "")),
		AuthCookieSecure: authCookieSecure,
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		Cloud: CloudConfig{
			TenantID: strings.TrimSpace(getenv("CLOUD_TENANT_ID", "")),
			Telemetry: CloudTelemetryConfig{
				Enabled:   getenvBool("CLOUD_TELEMETRY_ENABLED", true),
				Exporter:  strings.ToLower(getenv("CLOUD_TELEMETRY_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_TELEMETRY_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_TELEMETRY_AUTH_TOKEN", "")),
			},
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "keyline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		RedisAddr:         getenv("REDIS_ADDR", ""),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SMTPHost:          getenv("SMTP_HOST", ""),
		SMTPPort:          getenvInt("SMTP_PORT", 587),
		SMTPUsername:      getenv("SMTP_USERNAME", ""),
		SMTPPassword:      getenv("SMTP_PASSWORD", ""),
		SMTPFrom:          getenv("SMTP_FROM", "no-reply@keyline.dev"),
	}
}

const (
	ModeOSS   = "oss"
	ModeCloud = "cloud"
)

func (c Config) IsCloud() bool {
	return c.Mode == ModeCloud
}

func normalizeMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ModeCloud:
		return ModeCloud
	default:
		return ModeOSS
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
