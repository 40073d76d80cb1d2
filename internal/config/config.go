package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env      string
	HTTPAddr string

	OrderServiceURL     string
	OrderServiceTimeout time.Duration

	DebounceInterval time.Duration
	ProbeInterval    time.Duration

	QueuePath      string
	QueueMaxAge    time.Duration
	RetryBaseDelay time.Duration
	RetryMax       int

	TaxPercent   float64
	DeliveryFee  float64
	PackagingFee float64
	PlatformFee  float64

	RabbitMQURL        string
	CorsAllowedOrigins []string
}

func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8087"),

		OrderServiceURL:     getEnv("ORDER_SERVICE_URL", "http://localhost:8086/api"),
		OrderServiceTimeout: getEnvDuration("ORDER_SERVICE_TIMEOUT", 15*time.Second),

		DebounceInterval: getEnvDuration("CART_DEBOUNCE_INTERVAL", 350*time.Millisecond),
		ProbeInterval:    getEnvDuration("CONNECTIVITY_PROBE_INTERVAL", 10*time.Second),

		QueuePath:      getEnv("OFFLINE_QUEUE_PATH", "data/offline-queue.json"),
		QueueMaxAge:    getEnvDuration("OFFLINE_QUEUE_MAX_AGE", 24*time.Hour),
		RetryBaseDelay: getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMax:       getEnvInt("RETRY_MAX", 4),

		TaxPercent:   getEnvFloat("FALLBACK_TAX_PERCENT", 0),
		DeliveryFee:  getEnvFloat("FALLBACK_DELIVERY_FEE", 0),
		PackagingFee: getEnvFloat("FALLBACK_PACKAGING_FEE", 0),
		PlatformFee:  getEnvFloat("FALLBACK_PLATFORM_FEE", 0),

		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		CorsAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
