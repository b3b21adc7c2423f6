package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       zerolog.Level
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	Store          string
	Redis          RedisConfig
	Mongo          MongoConfig
	// RoomTTL is how long an idle room is kept by the relay.
	RoomTTL time.Duration
	// PresenceStaleAfter is how old a heartbeat may be before a newcomer
	// can take the participant's seat.
	PresenceStaleAfter time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type MongoConfig struct {
	URI      string
	Database string
}

// Load reads the relay configuration from the environment.
func Load() (*Config, error) {
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	roomTTL, err := getDuration("ROOM_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	staleAfter, err := getDuration("PRESENCE_STALE_AFTER", 15*time.Second)
	if err != nil {
		return nil, err
	}
	tokenTTL, err := getDuration("TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       level,
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TokenTTL:       tokenTTL,
		Store:          getEnv("STORE", StoreMemory),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "medmeet"),
		},
		RoomTTL:            roomTTL,
		PresenceStaleAfter: staleAfter,
	}

	switch cfg.Store {
	case StoreMemory, StoreRedis, StoreMongo:
	default:
		return nil, fmt.Errorf("STORE: unknown store %q", cfg.Store)
	}
	if cfg.Environment == "production" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}
