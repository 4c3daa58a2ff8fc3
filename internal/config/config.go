package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Session  SessionConfig
	Proxy    ProxyConfig
	DynamoDB DynamoDBConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey           string
	AccessExpiry        time.Duration
	RefreshExpiry       time.Duration
	NearExpiryThreshold time.Duration
	RotateRefreshTokens bool
}

type SessionConfig struct {
	TTL           time.Duration
	MaxPerUser    int
	CookieName    string
	CookieSecure  bool
	RefreshCookie string
}

// ServiceTarget describes one downstream service: requests mounted at
// PathPrefix are forwarded to URL with the prefix rewritten to RewritePrefix.
type ServiceTarget struct {
	Name          string
	URL           string
	PathPrefix    string
	RewritePrefix string
}

type ProxyConfig struct {
	Timeout  time.Duration
	Services []ServiceTarget
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
	Enabled   bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey:           getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:        getEnvAsDuration("JWT_ACCESS_EXPIRY", time.Hour),
			RefreshExpiry:       getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			NearExpiryThreshold: getEnvAsDuration("JWT_NEAR_EXPIRY_THRESHOLD", 30*time.Minute),
			RotateRefreshTokens: getEnvAsBool("ROTATE_REFRESH_TOKENS", false),
		},
		Session: SessionConfig{
			TTL:           getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			MaxPerUser:    getEnvAsInt("MAX_SESSIONS_PER_USER", 5),
			CookieName:    getEnv("SESSION_COOKIE_NAME", "medigate_session"),
			CookieSecure:  getEnvAsBool("SESSION_COOKIE_SECURE", true),
			RefreshCookie: getEnv("REFRESH_COOKIE_NAME", "medigate_refresh"),
		},
		Proxy: ProxyConfig{
			Timeout:  getEnvAsDuration("PROXY_TIMEOUT", 30*time.Second),
			Services: loadServiceTargets(),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "MedigateAudit"),
			Enabled:   getEnvAsBool("AUDIT_ENABLED", false),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if cfg.Session.MaxPerUser < 1 {
		return nil, fmt.Errorf("MAX_SESSIONS_PER_USER must be at least 1")
	}

	return cfg, nil
}

func loadServiceTargets() []ServiceTarget {
	defs := []struct {
		name   string
		envVar string
		port   string
	}{
		{"users", "USERS_SERVICE_URL", "3001"},
		{"appointments", "APPOINTMENTS_SERVICE_URL", "3002"},
		{"records", "RECORDS_SERVICE_URL", "3003"},
		{"billing", "BILLING_SERVICE_URL", "3004"},
		{"pharmacy", "PHARMACY_SERVICE_URL", "3005"},
		{"lab", "LAB_SERVICE_URL", "3006"},
		{"notifications", "NOTIFICATIONS_SERVICE_URL", "3007"},
	}

	targets := make([]ServiceTarget, 0, len(defs))
	for _, d := range defs {
		targets = append(targets, ServiceTarget{
			Name:          d.name,
			URL:           getEnv(d.envVar, "http://localhost:"+d.port),
			PathPrefix:    "/api/" + d.name,
			RewritePrefix: "/api/" + d.name,
		})
	}
	return targets
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
