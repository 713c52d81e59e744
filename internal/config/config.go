package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

const defaultJWTSecret = "dev-secret-change-me"

const (
	StoreSQL    = "sql"
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

type Config struct {
	Port                   string
	Env                    string
	LogLevel               string
	JWTSecret              string
	DatabaseDriver         string
	DatabaseDSN            string
	MessageStore           string
	MongoURI               string
	MongoDatabase          string
	RedisAddr              string
	RedisPrefix            string
	NATSURL                string
	NATSSubjectPrefix      string
	CORSOrigin             string
	AdminUserIDs           []string
	MaxSessionsPerUser     int
	WSSendBuffer           int
	ShutdownTimeoutSeconds int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法或非正值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
	return lo.Compact(parts)
}

// Load 读取环境变量；当前目录存在 .env 时先加载它，已有的环境变量优先。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                   getenv("APP_PORT", "8080"),
		Env:                    getenv("APP_ENV", "dev"),
		LogLevel:               getenv("LOG_LEVEL", "info"),
		JWTSecret:              getenv("JWT_SECRET", defaultJWTSecret),
		DatabaseDriver:         getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:            getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=musicchat port=5432 sslmode=disable TimeZone=UTC"),
		MessageStore:           getenv("MESSAGE_STORE", StoreSQL),
		MongoURI:               getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:          getenv("MONGO_DATABASE", "musicchat"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPrefix:            getenv("REDIS_PREFIX", "musicchat:presence:"),
		NATSURL:                os.Getenv("NATS_URL"),
		NATSSubjectPrefix:      getenv("NATS_SUBJECT_PREFIX", "presence"),
		CORSOrigin:             getenv("CORS_ORIGIN", "http://localhost:3000"),
		AdminUserIDs:           splitList(os.Getenv("ADMIN_USER_IDS")),
		MaxSessionsPerUser:     getenvInt("MAX_SESSIONS_PER_USER", 5),
		WSSendBuffer:           getenvInt("WS_SEND_BUFFER", 256),
		ShutdownTimeoutSeconds: getenvInt("SHUTDOWN_TIMEOUT_SECONDS", 15),
	}
}

// Validate 在启动时拒绝明显错误的配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in %s environment", cfg.Env)
	}
	if cfg.DatabaseDriver != "" && cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	switch cfg.MessageStore {
	case "", StoreSQL, StoreMemory:
	case StoreMongo:
		if cfg.MongoURI == "" {
			return errors.New("MONGO_URI is required when MESSAGE_STORE=mongo")
		}
	default:
		return fmt.Errorf("unknown MESSAGE_STORE %q", cfg.MessageStore)
	}
	return nil
}
