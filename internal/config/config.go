package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the Open Notebook server.
type Config struct {
	Port      int
	Version   string
	DataPath  string
	Database  DatabaseConfig
	Secrets   SecretsConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
	CORS      CORSConfig
	LogLevel  string
}

type DatabaseConfig struct {
	// URL is the full connection URL when DATABASE_URL is set; otherwise
	// it is composed as scheme://address:port/database.
	URL       string
	Address   string
	Port      int
	User      string
	Password  string
	Namespace string
	Database  string
}

type SecretsConfig struct {
	// Key is the base64 symmetric key itself; KeyFile points at a file
	// holding one. Key wins when both are set.
	Key     string
	KeyFile string
}

type AuthConfig struct {
	JWTSecret      string
	ExpiresMinutes int
}

type WorkerConfig struct {
	Enabled       bool
	LeaseMinutes  int
	ReaperSeconds int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("PORT", 5055),
		Version:  envStr("OPEN_NOTEBOOK_VERSION", "1.0.0"),
		DataPath: envStr("DATA_PATH", "./data"),
		Database: DatabaseConfig{
			URL:       envStr("DATABASE_URL", ""),
			Address:   envStr("DATABASE_ADDRESS", "localhost"),
			Port:      envInt("DATABASE_PORT", 5432),
			User:      envStr("DATABASE_USER", "root"),
			Password:  envStr("DATABASE_PASSWORD", "root"),
			Namespace: envStr("DATABASE_NAMESPACE", "open_notebook"),
			Database:  envStr("DATABASE_DATABASE", "production"),
		},
		Secrets: SecretsConfig{
			Key:     envStr("SECRET_KEY", ""),
			KeyFile: envStr("SECRET_KEY_FILE", ""),
		},
		Auth: AuthConfig{
			JWTSecret:      envStr("JWT_SECRET", ""),
			ExpiresMinutes: envInt("JWT_EXPIRES_MINUTES", 60),
		},
		Worker: WorkerConfig{
			// ENABLE_WORKER="false" disables the loop; any other value
			// (including unset) enables it.
			Enabled:       os.Getenv("ENABLE_WORKER") != "false",
			LeaseMinutes:  envInt("WORKER_LEASE_MINUTES", 10),
			ReaperSeconds: envInt("WORKER_REAPER_SECONDS", 60),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "") != "",
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "open-notebook"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(envStr("ALLOWED_ORIGINS", "*")),
		},
		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// DatabaseURL returns the effective store URL. A full DATABASE_URL wins
// and is passed through untouched; otherwise the URL is composed as
// scheme://address:port/database with the namespace carried as the
// session search_path, which pgx forwards as a runtime parameter.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.Database.User, c.Database.Password,
		c.Database.Address, c.Database.Port, c.Database.Database)
	if c.Database.Namespace != "" {
		url += "?search_path=" + c.Database.Namespace
	}
	return url
}

// UploadsDir is the root for user-uploaded source files.
func (c *Config) UploadsDir() string { return c.DataPath + "/uploads" }

// PodcastsDir is the root for locally-stored audio artifacts.
func (c *Config) PodcastsDir() string { return c.DataPath + "/podcasts" }

// SecretsDir holds the symmetric key file.
func (c *Config) SecretsDir() string { return c.DataPath + "/.secrets" }

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
