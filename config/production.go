// Package config provides configuration management and environment variable handling for the application
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database       DatabaseConfig       `json:"database"`
	Server         ServerConfig         `json:"server"`
	Security       SecurityConfig       `json:"security"`
	Gateway        GatewayConfig        `json:"gateway"`
	SendRate       SendRateConfig       `json:"send_rate"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	Dispatch       DispatchConfig       `json:"dispatch"`
	Logging        LoggingConfig        `json:"logging"`
	Metrics        MetricsConfig        `json:"metrics"`
	Cache          CacheConfig          `json:"cache"`
	Deployment     DeploymentConfig     `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	BodyLimit         int           `json:"body_limit"`
	EnableMetrics     bool          `json:"enable_metrics"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
	CompressionLevel  int           `json:"compression_level"`
}

type SecurityConfig struct {
	// TLS/HTTPS
	TLSEnabled    bool   `json:"tls_enabled"`
	TLSCertFile   string `json:"tls_cert_file"`
	TLSKeyFile    string `json:"tls_key_file"`
	TLSMinVersion string `json:"tls_min_version"`

	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// HTTP rate limiting (API surface, not message dispatch)
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per window
	RateLimitWindow time.Duration `json:"rate_limit_window"`

	// Content Security
	CSPPolicy           string `json:"csp_policy"`
	XFrameOptions       string `json:"x_frame_options"`
	XContentTypeOptions string `json:"x_content_type_options"`
	XSSProtection       string `json:"xss_protection"`
	ReferrerPolicy      string `json:"referrer_policy"`
}

// GatewayConfig configures the outbound messaging gateway client.
// Provider "mock" selects the in-memory gateway used in development and tests.
type GatewayConfig struct {
	Provider   string        `json:"provider"` // mock, http
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"api_key"`
	SenderName string        `json:"sender_name"`
	Timeout    time.Duration `json:"timeout"`
}

// SendRateConfig configures the message-dispatch token buckets. The global
// bucket throttles all outbound traffic; each active recipient additionally
// gets a smaller bucket so no single contact is flooded.
type SendRateConfig struct {
	GlobalPerMinute    int           `json:"global_per_minute"`
	GlobalBurst        int           `json:"global_burst"`
	RecipientPerMinute int           `json:"recipient_per_minute"`
	RecipientBurst     int           `json:"recipient_burst"`
	RecipientIdleTTL   time.Duration `json:"recipient_idle_ttl"`
	SweepInterval      time.Duration `json:"sweep_interval"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

type SchedulerConfig struct {
	Enabled          bool          `json:"enabled"`
	Workers          int           `json:"workers"`
	QueueSize        int           `json:"queue_size"`
	RescanInterval   time.Duration `json:"rescan_interval"`
	MisfireGrace     time.Duration `json:"misfire_grace"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `json:"retry_backoff_max"`
	BackoffFactor    float64       `json:"backoff_factor"`
	DefaultMaxRuns   int           `json:"default_max_runs"`
	RateLimitRequeue time.Duration `json:"rate_limit_requeue"`
}

type DispatchConfig struct {
	Workers          int           `json:"workers"`
	SendTimeout      time.Duration `json:"send_timeout"`
	MaxRateLimitWait time.Duration `json:"max_rate_limit_wait"`
	DefaultMaxRetry  int           `json:"default_max_retry"`
}

type LoggingConfig struct {
	Level        string `json:"level"`  // debug, info, warn, error
	Format       string `json:"format"` // json, console
	Output       string `json:"output"` // stdout, file, both
	FilePath     string `json:"file_path"`
	MaxSize      int    `json:"max_size"` // MB
	MaxBackups   int    `json:"max_backups"`
	MaxAge       int    `json:"max_age"` // days
	Compress     bool   `json:"compress"`
	EnableCaller bool   `json:"enable_caller"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	StatusTTL       time.Duration `json:"status_ttl"`
	HealthInterval  time.Duration `json:"health_interval"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Load environment variables from .env file
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "herald"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
		},
		Server: ServerConfig{
			Host:              getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:         getEnvInt("SERVER_BODY_LIMIT", 4*1024*1024), // 4MB
			EnableMetrics:     getEnvBool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:    getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: getEnvBool("SERVER_ENABLE_COMPRESSION", true),
			CompressionLevel:  getEnvInt("SERVER_COMPRESSION_LEVEL", 6),
		},
		Security: SecurityConfig{
			TLSEnabled:          getEnvBool("TLS_ENABLED", false),
			TLSCertFile:         getEnvString("TLS_CERT_FILE", ""),
			TLSKeyFile:          getEnvString("TLS_KEY_FILE", ""),
			TLSMinVersion:       getEnvString("TLS_MIN_VERSION", "1.3"),
			AllowedOrigins:      getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"https://dashboard.mercator.example"}),
			AllowedMethods:      getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:      getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "X-Requested-With"}),
			AllowCredentials:    getEnvBool("CORS_ALLOW_CREDENTIALS", true),
			CORSMaxAge:          getEnvInt("CORS_MAX_AGE", 86400),
			GlobalRateLimit:     getEnvInt("GLOBAL_RATE_LIMIT", 600),
			RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			CSPPolicy:           getEnvString("CSP_POLICY", "default-src 'self'"),
			XFrameOptions:       getEnvString("X_FRAME_OPTIONS", "DENY"),
			XContentTypeOptions: getEnvString("X_CONTENT_TYPE_OPTIONS", "nosniff"),
			XSSProtection:       getEnvString("XSS_PROTECTION", "1; mode=block"),
			ReferrerPolicy:      getEnvString("REFERRER_POLICY", "strict-origin-when-cross-origin"),
		},
		Gateway: GatewayConfig{
			Provider:   getEnvString("GATEWAY_PROVIDER", "mock"),
			BaseURL:    getEnvString("GATEWAY_BASE_URL", ""),
			APIKey:     getEnvString("GATEWAY_API_KEY", ""),
			SenderName: getEnvString("GATEWAY_SENDER_NAME", "mercator"),
			Timeout:    getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		SendRate: SendRateConfig{
			GlobalPerMinute:    getEnvInt("SEND_RATE_GLOBAL_PER_MINUTE", 30),
			GlobalBurst:        getEnvInt("SEND_RATE_GLOBAL_BURST", 10),
			RecipientPerMinute: getEnvInt("SEND_RATE_RECIPIENT_PER_MINUTE", 3),
			RecipientBurst:     getEnvInt("SEND_RATE_RECIPIENT_BURST", 2),
			RecipientIdleTTL:   getEnvDuration("SEND_RATE_RECIPIENT_IDLE_TTL", 10*time.Minute),
			SweepInterval:      getEnvDuration("SEND_RATE_SWEEP_INTERVAL", 1*time.Minute),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getEnvBool("SCHEDULER_ENABLED", true),
			Workers:          getEnvInt("SCHEDULER_WORKERS", 4),
			QueueSize:        getEnvInt("SCHEDULER_QUEUE_SIZE", 64),
			RescanInterval:   getEnvDuration("SCHEDULER_RESCAN_INTERVAL", 1*time.Minute),
			MisfireGrace:     getEnvDuration("SCHEDULER_MISFIRE_GRACE", 5*time.Minute),
			RetryBackoffBase: getEnvDuration("SCHEDULER_RETRY_BACKOFF_BASE", 30*time.Second),
			RetryBackoffMax:  getEnvDuration("SCHEDULER_RETRY_BACKOFF_MAX", 30*time.Minute),
			BackoffFactor:    getEnvFloat("SCHEDULER_BACKOFF_FACTOR", 2.0),
			DefaultMaxRuns:   getEnvInt("SCHEDULER_DEFAULT_MAX_RUNS", 0),
			RateLimitRequeue: getEnvDuration("SCHEDULER_RATE_LIMIT_REQUEUE", 15*time.Second),
		},
		Dispatch: DispatchConfig{
			Workers:          getEnvInt("DISPATCH_WORKERS", 8),
			SendTimeout:      getEnvDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			MaxRateLimitWait: getEnvDuration("DISPATCH_MAX_RATE_LIMIT_WAIT", 2*time.Second),
			DefaultMaxRetry:  getEnvInt("DISPATCH_DEFAULT_MAX_RETRY", 3),
		},
		Logging: LoggingConfig{
			Level:        getEnvString("LOG_LEVEL", "info"),
			Format:       getEnvString("LOG_FORMAT", "json"),
			Output:       getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:     getEnvString("LOG_FILE_PATH", "/var/log/herald/app.log"),
			MaxSize:      getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:   getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:       getEnvInt("LOG_MAX_AGE", 30),
			Compress:     getEnvBool("LOG_COMPRESS", true),
			EnableCaller: getEnvBool("LOG_ENABLE_CALLER", false),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:        getEnvBool("CACHE_ENABLED", true),
			RedisURL:       getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:        getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:    getEnvString("CACHE_REDIS_PREFIX", "herald:"),
			StatusTTL:      getEnvDuration("CACHE_STATUS_TTL", 30*time.Second),
			HealthInterval: getEnvDuration("CACHE_HEALTH_INTERVAL", 30*time.Second),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads environment variables from .env file if it exists
func loadEnvFile() error {
	envFile := ".env"

	// Check if .env file exists
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		// .env file doesn't exist, continue with environment variables
		return nil
	}

	// Open .env file
	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	// Read file line by line
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value pairs
		if strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				value := strings.TrimSpace(parts[1])

				// Remove quotes if present
				if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
					(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
					value = value[1 : len(value)-1]
				}

				// Set environment variable if not already set
				if os.Getenv(key) == "" {
					os.Setenv(key, value)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Use standard library strings.Split and strings.TrimSpace
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errors []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errors = append(errors, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errors = append(errors, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errors = append(errors, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errors = append(errors, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		errors = append(errors, "DB_PASSWORD is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errors = append(errors, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errors = append(errors, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errors = append(errors, "SERVER_WRITE_TIMEOUT must be positive")
	}
	if cfg.Server.IdleTimeout <= 0 {
		errors = append(errors, "SERVER_IDLE_TIMEOUT must be positive")
	}

	// Validate gateway configuration if a real provider is selected
	if cfg.Gateway.Provider != "mock" {
		if cfg.Gateway.BaseURL == "" {
			errors = append(errors, "GATEWAY_BASE_URL is required for gateway provider")
		}
		if cfg.Gateway.APIKey == "" {
			errors = append(errors, "GATEWAY_API_KEY is required for gateway provider")
		}
	}

	// Validate send rate configuration
	if cfg.SendRate.GlobalPerMinute <= 0 {
		errors = append(errors, "SEND_RATE_GLOBAL_PER_MINUTE must be positive")
	}
	if cfg.SendRate.GlobalBurst <= 0 {
		errors = append(errors, "SEND_RATE_GLOBAL_BURST must be positive")
	}
	if cfg.SendRate.RecipientPerMinute <= 0 {
		errors = append(errors, "SEND_RATE_RECIPIENT_PER_MINUTE must be positive")
	}
	if cfg.SendRate.RecipientBurst <= 0 {
		errors = append(errors, "SEND_RATE_RECIPIENT_BURST must be positive")
	}

	// Validate circuit breaker configuration
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		errors = append(errors, "BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
		errors = append(errors, "BREAKER_RECOVERY_TIMEOUT must be positive")
	}

	// Validate scheduler configuration
	if cfg.Scheduler.Workers < 1 {
		errors = append(errors, "SCHEDULER_WORKERS must be at least 1")
	}
	if cfg.Scheduler.QueueSize < 1 {
		errors = append(errors, "SCHEDULER_QUEUE_SIZE must be at least 1")
	}
	if cfg.Scheduler.BackoffFactor < 1 {
		errors = append(errors, "SCHEDULER_BACKOFF_FACTOR must be at least 1")
	}
	if cfg.Scheduler.RetryBackoffBase <= 0 {
		errors = append(errors, "SCHEDULER_RETRY_BACKOFF_BASE must be positive")
	}

	// Validate dispatch configuration
	if cfg.Dispatch.Workers < 1 {
		errors = append(errors, "DISPATCH_WORKERS must be at least 1")
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		errors = append(errors, "DISPATCH_SEND_TIMEOUT must be positive")
	}

	// Validate TLS configuration if enabled
	if cfg.Security.TLSEnabled {
		if cfg.Security.TLSCertFile == "" {
			errors = append(errors, "TLS_CERT_FILE is required when TLS is enabled")
		}
		if cfg.Security.TLSKeyFile == "" {
			errors = append(errors, "TLS_KEY_FILE is required when TLS is enabled")
		}
	}

	// Validate logging configuration
	if cfg.Logging.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		valid := false
		for _, level := range validLevels {
			if cfg.Logging.Level == level {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %v", validLevels))
		}
	}

	// Validate cache configuration if enabled
	if cfg.Cache.Enabled {
		if cfg.Cache.RedisURL == "" {
			errors = append(errors, "CACHE_REDIS_URL is required when cache is enabled")
		}
	}

	// Return validation errors if any
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
