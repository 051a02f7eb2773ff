package config

import (
	"os"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port            string
	LogLevel        string
	MQTTBrokerURL   string
	MQTTClientID    string
	RedisAddr       string
	RedisPassword   string
	LivenessTimeout time.Duration
	SchedulerTick   time.Duration
	Postgres        Postgres
}

func Load() Config {
	return Config{
		Port:            getenv("HUB_PORT", "8096"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		MQTTBrokerURL:   getenv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		MQTTClientID:    getenv("HUB_MQTT_CLIENT_ID", "smarthome-hub"),
		RedisAddr:       getenv("REDIS_ADDR", "redis:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		LivenessTimeout: getdur("LIVENESS_TIMEOUT", 5*time.Minute),
		SchedulerTick:   getdur("SCHEDULER_TICK", 60*time.Second),
		Postgres: Postgres{
			User:     getenv("POSTGRES_USER", ""),
			Password: getenv("POSTGRES_PASSWORD", ""),
			DBName:   getenv("POSTGRES_DB", ""),
			Host:     getenv("POSTGRES_HOST", ""),
			Port:     getenv("POSTGRES_PORT", ""),
			SSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
