package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/job-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Every optional
// backend (Postgres, Redis, Kafka) falls back to an in-memory equivalent
// when its address is unset.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaHeartbeatTopic string
	KafkaEventsTopic    string
	KafkaGroup          string

	PGDSN string

	LogLevel      string
	RunMigrations bool

	LocationMinDistanceM float64
	BusMaxPending        int
	JWTSecret            string
	IdempotencyTTL       time.Duration
	ReconcileSchedule    string

	PricingBaseFare    models.Money
	PricingPerKm       models.Money
	PricingRouteFactor float64
	// Stop-count tariff for routes that are not fully geocoded.
	PricingPerStop      models.Money
	PricingPerExtraStop models.Money
	PricingTaxRate      float64

	// OSRMURL enables road distances for quotes and candidates when set.
	OSRMURL       string
	RouteCacheTTL time.Duration
	// MatcherSpeedMps turns straight-line distance into an ETA when no road
	// time is known.
	MatcherSpeedMps float64

	DriverApprovalRequired bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaHeartbeatTopic:  "driver-heartbeats",
		KafkaEventsTopic:     "job-events",
		KafkaGroup:           "job-dispatch",
		LogLevel:             "info",
		LocationMinDistanceM: 10,
		BusMaxPending:        1024,
		IdempotencyTTL:       24 * time.Hour,
		ReconcileSchedule:    "@every 1m",
		PricingBaseFare:      models.Cents(750),
		PricingPerKm:         models.Cents(150),
		PricingRouteFactor:   1.3,
		PricingPerStop:       models.Cents(500),
		PricingPerExtraStop:  models.Cents(350),
		PricingTaxRate:       0.13,
		RouteCacheTTL:        10 * time.Minute,
		MatcherSpeedMps:      8,
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaHeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setFloatFromEnv(&cfg.LocationMinDistanceM, "LOCATION_MIN_DISTANCE_M", &errs)
	setIntFromEnv(&cfg.BusMaxPending, "BUS_MAX_PENDING", &errs)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setStringFromEnv(&cfg.ReconcileSchedule, "RECONCILE_SCHEDULE")

	setMoneyFromEnv(&cfg.PricingBaseFare, "PRICING_BASE_FARE", &errs)
	setMoneyFromEnv(&cfg.PricingPerKm, "PRICING_PER_KM", &errs)
	setFloatFromEnv(&cfg.PricingRouteFactor, "PRICING_ROUTE_FACTOR", &errs)
	setMoneyFromEnv(&cfg.PricingPerStop, "PRICING_PER_STOP", &errs)
	setMoneyFromEnv(&cfg.PricingPerExtraStop, "PRICING_PER_EXTRA_STOP", &errs)
	setFloatFromEnv(&cfg.PricingTaxRate, "PRICING_TAX_RATE", &errs)

	cfg.OSRMURL = strings.TrimRight(strings.TrimSpace(os.Getenv("OSRM_URL")), "/")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.MatcherSpeedMps, "MATCHER_SPEED_MPS", &errs)

	setBoolFromEnv(&cfg.DriverApprovalRequired, "DRIVER_APPROVAL_REQUIRED", &errs)

	if cfg.BusMaxPending <= 0 {
		errs = append(errs, fmt.Errorf("BUS_MAX_PENDING must be > 0"))
	}
	if cfg.LocationMinDistanceM < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_MIN_DISTANCE_M must be >= 0"))
	}
	if cfg.PricingRouteFactor <= 0 {
		errs = append(errs, fmt.Errorf("PRICING_ROUTE_FACTOR must be > 0"))
	}
	if cfg.PricingTaxRate < 0 {
		errs = append(errs, fmt.Errorf("PRICING_TAX_RATE must be >= 0"))
	}
	if cfg.MatcherSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_SPEED_MPS must be > 0"))
	}
	if cfg.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL must be > 0"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setMoneyFromEnv(target *models.Money, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		m, err := models.ParseMoney(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = m
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
