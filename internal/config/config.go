package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Backends  []BackendConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	QueriesPerHour int
}

// SchedulerConfig bounds job concurrency and seeds duration estimates
type SchedulerConfig struct {
	MaxConcurrentJobs int
	PerTargetEstimate time.Duration
}

// RetryConfig shapes per-backend-call retries
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	PerAttemptTimeout time.Duration
}

// BreakerConfig shapes the per-backend circuit breakers
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BackendConfig describes one panel member (an OpenAI-compatible endpoint)
type BackendConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("BACKEND_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.queries_per_hour", "RATELIMIT_QUERIES_PER_HOUR")
	_ = viper.BindEnv("scheduler.max_concurrent_jobs", "SCHEDULER_MAX_CONCURRENT_JOBS")
	_ = viper.BindEnv("scheduler.per_target_estimate_seconds", "SCHEDULER_PER_TARGET_ESTIMATE_SECONDS")
	_ = viper.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("retry.initial_delay_ms", "RETRY_INITIAL_DELAY_MS")
	_ = viper.BindEnv("retry.max_delay_ms", "RETRY_MAX_DELAY_MS")
	_ = viper.BindEnv("retry.multiplier", "RETRY_MULTIPLIER")
	_ = viper.BindEnv("retry.attempt_timeout_seconds", "RETRY_ATTEMPT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("breaker.failure_threshold", "BREAKER_FAILURE_THRESHOLD")
	_ = viper.BindEnv("breaker.reset_timeout_seconds", "BREAKER_RESET_TIMEOUT_SECONDS")
	_ = viper.BindEnv("backend.name", "BACKEND_NAME")
	_ = viper.BindEnv("backend.base_url", "BACKEND_BASE_URL")
	_ = viper.BindEnv("backend.api_key", "BACKEND_API_KEY")
	_ = viper.BindEnv("backend.model", "BACKEND_MODEL")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.queries_per_hour", 30)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_concurrent_jobs", 3)
	viper.SetDefault("scheduler.per_target_estimate_seconds", 20)

	// Retry defaults
	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_delay_ms", 500)
	viper.SetDefault("retry.max_delay_ms", 8000)
	viper.SetDefault("retry.multiplier", 2.0)
	viper.SetDefault("retry.attempt_timeout_seconds", 60)

	// Breaker defaults
	viper.SetDefault("breaker.failure_threshold", 5)
	viper.SetDefault("breaker.reset_timeout_seconds", 30)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			QueriesPerHour: viper.GetInt("ratelimit.queries_per_hour"),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: viper.GetInt("scheduler.max_concurrent_jobs"),
			PerTargetEstimate: time.Duration(viper.GetInt("scheduler.per_target_estimate_seconds")) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       viper.GetInt("retry.max_attempts"),
			InitialDelay:      time.Duration(viper.GetInt("retry.initial_delay_ms")) * time.Millisecond,
			MaxDelay:          time.Duration(viper.GetInt("retry.max_delay_ms")) * time.Millisecond,
			Multiplier:        viper.GetFloat64("retry.multiplier"),
			PerAttemptTimeout: time.Duration(viper.GetInt("retry.attempt_timeout_seconds")) * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: viper.GetInt("breaker.failure_threshold"),
			ResetTimeout:     time.Duration(viper.GetInt("breaker.reset_timeout_seconds")) * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	// The backend panel comes from the config file as a list; a single
	// backend can also be configured through BACKEND_* env vars.
	if err := viper.UnmarshalKey("backends", &cfg.Backends); err != nil {
		return nil, err
	}
	if len(cfg.Backends) == 0 && viper.GetString("backend.base_url") != "" {
		name := viper.GetString("backend.name")
		if name == "" {
			name = "default"
		}
		cfg.Backends = []BackendConfig{{
			Name:    name,
			BaseURL: viper.GetString("backend.base_url"),
			APIKey:  viper.GetString("backend.api_key"),
			Model:   viper.GetString("backend.model"),
		}}
	}

	return cfg, nil
}
