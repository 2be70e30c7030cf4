package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the scheduler
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisChannel  string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	RefreshInterval  time.Duration
	ScheduleInterval time.Duration
	BatchLimit       int
	UndoWindow       time.Duration
	ActorID          string

	PushEndpoint string
	FareCents    int64
	FareCurrency string
	StripeFares  bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		RedisChannel:     "nemt:changes",
		KafkaTopic:       "driver-locations",
		RefreshInterval:  10 * time.Second,
		ScheduleInterval: 30 * time.Second,
		BatchLimit:       50,
		UndoWindow:       10 * time.Minute,
		ActorID:          "auto-scheduler",
		FareCents:        2500,
		FareCurrency:     "usd",
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANGE_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.RefreshInterval, "SCHEDULER_REFRESH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ScheduleInterval, "SCHEDULER_RUN_INTERVAL", &errs)
	setIntFromEnv(&cfg.BatchLimit, "SCHEDULER_BATCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.UndoWindow, "SCHEDULER_UNDO_WINDOW", &errs)
	setStringFromEnv(&cfg.ActorID, "SCHEDULER_ACTOR_ID")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setInt64FromEnv(&cfg.FareCents, "FARE_HOLD_CENTS", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")
	cfg.StripeFares = strings.EqualFold(os.Getenv("STRIPE_FARE_HOLDS"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_BATCH_LIMIT must be > 0"))
	}
	if cfg.RefreshInterval <= 0 || cfg.ScheduleInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler intervals must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
