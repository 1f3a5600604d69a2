package database

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// GetRedisConfig returns Redis configuration with defaults
func GetRedisConfig() *RedisConfig {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", 5*time.Second)

	return &RedisConfig{
		Host:        viper.GetString("redis.host"),
		Port:        viper.GetString("redis.port"),
		Password:    viper.GetString("redis.password"),
		DB:          viper.GetInt("redis.db"),
		PoolSize:    viper.GetInt("redis.pool_size"),
		DialTimeout: viper.GetDuration("redis.dial_timeout"),
	}
}

// InitRedis connects to Redis. Redis carries OTPs, the token denylist, QR
// caches and the settlement queue; all callers tolerate a nil client, so a
// failed connection degrades the platform instead of stopping it.
func InitRedis() *redis.Client {
	config := GetRedisConfig()

	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Host + ":" + config.Port,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: config.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[REDIS] Connection failed, continuing without Redis: %v", err)
		return nil
	}

	log.Println("[REDIS] Connection established")
	return rdb
}
