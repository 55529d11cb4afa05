package config

import (
	"os"
	"strconv"
)

type Config struct {
	ServerPort string

	DatabaseURL string

	// Table whose inserts the webhook reports. Inserts on any other table
	// are skipped.
	WebhookTable string

	APNSTeamID  string
	APNSKeyID   string
	APNSKeyPath string
	APNSTopic   string
	APNSSandbox bool
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", ":8080"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		WebhookTable: getEnv("WEBHOOK_TABLE", "messages"),
		APNSTeamID:   getEnv("APNS_TEAM_ID", ""),
		APNSKeyID:    getEnv("APNS_KEY_ID", ""),
		APNSKeyPath:  getEnv("APNS_KEY_PATH", ""),
		APNSTopic:    getEnv("APNS_TOPIC", ""),
		APNSSandbox:  getBoolEnv("APNS_SANDBOX", false),
	}
}

func getEnv(key, defaultVal string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultVal
}
