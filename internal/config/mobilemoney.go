package config

import (
	"os"
	"strconv"
	"time"
)

type MobileMoneyConfig struct {
	CodeLength           int
	CodeTimeout          time.Duration
	MaxGenerationPerUser int
	RateLimitWindow      time.Duration
	HashIterations       int
	DialPrefix           string
	DialSuffix           string
	Provider             string
}

func LoadMobileMoneyConfig() *MobileMoneyConfig {
	return &MobileMoneyConfig{
		CodeLength:           getEnvAsInt("MOMO_CODE_LENGTH", 8),
		CodeTimeout:          getEnvAsDuration("MOMO_CODE_TIMEOUT", 5*time.Minute),
		MaxGenerationPerUser: getEnvAsInt("MOMO_MAX_GEN_PER_USER", 5),
		RateLimitWindow:      getEnvAsDuration("MOMO_RATE_LIMIT_WINDOW", 1*time.Hour),
		HashIterations:       getEnvAsInt("MOMO_HASH_ITERATIONS", 10000),
		DialPrefix:           getEnv("MOMO_DIAL_PREFIX", "*144*4*"),
		DialSuffix:           getEnv("MOMO_DIAL_SUFFIX", "#"),
		Provider:             getEnv("MOMO_PROVIDER", "simulated"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
