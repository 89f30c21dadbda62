package config

import (
	"errors"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into Config
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	loadDotEnv sync.Once
)

type Config struct {
	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	QueueKey    string        `env:"QUEUE_KEY" envDefault:"qos:queue"`
	ScheduleKey string        `env:"SCHEDULE_KEY" envDefault:"qos:schedule"`
	Backoff     time.Duration `env:"QUEUE_BACKOFF" envDefault:"1s"`

	APIKey string `env:"API_KEY" envDefault:"devkey"`
	Port   string `env:"PORT" envDefault:"8080"`

	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file once and parses the environment.
func Load() (Config, error) {
	loadDotEnv.Do(func() {
		// the file is optional
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}
