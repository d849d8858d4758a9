// Package config собирает настройки сервиса из переменных окружения.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config набор параметров HTTP-сервера, хранилища и фоновых задач
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	Development     bool

	// memory | sqlite
	StoreDriver string
	SQLitePath  string

	SweepInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	AdminEmail    string
	AdminPassword string
	AdminName     string

	CustomerTokenTTL   time.Duration
	AdminTokenTTL      time.Duration
	AdminRefreshTTL    time.Duration
	TokenPurgeInterval time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvs(key string, defSec int) time.Duration {
	sec := atoienv(key, defSec)
	return time.Duration(sec) * time.Second
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func listenv(key string) []string {
	v := getenv(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load читает конфигурацию из окружения с значениями по умолчанию
func Load() Config {
	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: durenvs("SHUTDOWN_TIMEOUT", 15),
		Development:     boolenv("DEV_MODE", false),

		StoreDriver: getenv("STORE_DRIVER", "memory"),
		SQLitePath:  getenv("SQLITE_PATH", "atelier.db"),

		SweepInterval: durenvs("SWEEP_INTERVAL", 300),

		KafkaBrokers: listenv("KAFKA_BROKERS"),
		KafkaTopic:   getenv("KAFKA_TOPIC", "atelier.events"),

		AdminEmail:    getenv("ADMIN_EMAIL", "admin@example.com"),
		AdminPassword: getenv("ADMIN_PASSWORD", ""),
		AdminName:     getenv("ADMIN_NAME", "Administrator"),

		CustomerTokenTTL:   durenvs("CUSTOMER_TOKEN_TTL", 30*24*3600),
		AdminTokenTTL:      durenvs("ADMIN_TOKEN_TTL", 15*60),
		AdminRefreshTTL:    durenvs("ADMIN_REFRESH_TTL", 7*24*3600),
		TokenPurgeInterval: durenvs("TOKEN_PURGE_INTERVAL", 3600),
	}
}
