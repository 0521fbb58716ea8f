package config

import "time"

// DaemonConfig holds runtime configuration for the shipit daemon.
type DaemonConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	LogLevel           string
	DockerHost         string
	Workdir            string
	GitTimeout         time.Duration
	GitBaseURL         string
	BuildTimeout       time.Duration
	ImagePrefix        string
	Network            string
	Domain             string
	ContainerMemoryMB  int
	APIToken           string
	WebhookSecret      string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	TrustProxy         bool
	ShutdownTimeout    time.Duration
}

// LoadDaemonConfig constructs a DaemonConfig from environment variables.
func LoadDaemonConfig() DaemonConfig {
	LoadDotEnv()
	return DaemonConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SHIPIT_ADDR", ":8080"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://shipit:shipit@db:5432/shipit?sslmode=disable"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:            GetString("SHIPIT_WORKDIR", "/tmp/shipit"),
		GitTimeout:         GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		GitBaseURL:         GetString("GIT_BASE_URL", "https://github.com"),
		BuildTimeout:       GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		ImagePrefix:        GetString("SHIPIT_IMAGE_PREFIX", "shipit"),
		Network:            GetString("SHIPIT_NETWORK", "shipit"),
		Domain:             GetString("SHIPIT_DOMAIN", "localhost"),
		ContainerMemoryMB:  GetInt("CONTAINER_MEMORY_MB", 512),
		APIToken:           GetString("SHIPIT_API_TOKEN", ""),
		WebhookSecret:      GetString("GIT_WEBHOOK_SECRET", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		TrustProxy:         GetBool("SHIPIT_TRUST_PROXY", false),
		ShutdownTimeout:    GetSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30),
	}
}
