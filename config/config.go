package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, read from the environment with an
// optional .env file for local runs.
type Config struct {
	DevMode bool
	BoardId string
	DataDir string

	HostPort string

	DynamoDBEndpoint string
	DynamoDBTable    string
	RedisEndpoint    string

	JWTSecret []byte

	SyncMode          string // "events" or "poll"
	DebounceInterval  time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StuckThreshold    time.Duration
	WatchdogTimeout   time.Duration
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := Config{
		DevMode:           os.Getenv("DEV_MODE") == "true",
		BoardId:           envOr("BOARD_ID", "default"),
		DataDir:           envOr("DATA_DIR", ".boardsync"),
		HostPort:          envOr("HOST_PORT", "8080"),
		DynamoDBEndpoint:  os.Getenv("DYNAMODB_ENDPOINT"),
		DynamoDBTable:     envOr("DYNAMODB_TABLE", "Boardsync"),
		RedisEndpoint:     os.Getenv("REDIS_ENDPOINT"),
		SyncMode:          envOr("SYNC_MODE", "events"),
		DebounceInterval:  envDuration("DEBOUNCE_MS", 500*time.Millisecond),
		PollInterval:      envDuration("POLL_INTERVAL_MS", 2*time.Second),
		HeartbeatInterval: envDuration("HEARTBEAT_MS", 20*time.Second),
		StuckThreshold:    envDuration("SAVE_STUCK_MS", 5*time.Second),
		WatchdogTimeout:   envDuration("SAVE_WATCHDOG_MS", 8*time.Second),
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode base64 JWT_SECRET: %w", err)
		}
		cfg.JWTSecret = decoded
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("Ignoring invalid %s=%q", key, v)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
