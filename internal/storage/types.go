package storage

import (
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("storage closed")
)

const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"

	DefaultPath     = "./data/jobs.json"
	DefaultRedisKey = "agentcron:jobs"
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON file at Path
//   - "sqlite": SQLite database file at Path
//   - "redis": JSON document at Redis.Key
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}
