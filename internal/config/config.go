// Package config loads engine configuration from an optional YAML file
// with environment-variable overrides. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the funds engine.
type Config struct {
	Port     int
	Currency string

	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	KafkaBrokers []string

	GatewayBaseURL string
	GatewaySecret  string
	GatewayTimeout time.Duration

	RepaymentInterval    time.Duration
	PenaltyInterval      time.Duration
	SweepInterval        time.Duration
	VerifyQueueSize      int
	GracePeriod          time.Duration
	PenaltyDailyRateBps  int // basis points of loan amount per day, 50 = 0.5%
	LateFeeWeeklyRateBps int // basis points of installment amount per week
}

type configFile struct {
	Service struct {
		Port     int    `yaml:"port"`
		Currency string `yaml:"currency"`
	} `yaml:"service"`
	Dependencies struct {
		DatabaseURL           string   `yaml:"database_url"`
		RedisURL              string   `yaml:"redis_url"`
		CacheTTLSeconds       int      `yaml:"cache_ttl_seconds"`
		KafkaBrokers          []string `yaml:"kafka_brokers"`
		GatewayBaseURL        string   `yaml:"gateway_base_url"`
		GatewayTimeoutSeconds int      `yaml:"gateway_timeout_seconds"`
	} `yaml:"dependencies"`
	Jobs struct {
		RepaymentIntervalMinutes int `yaml:"repayment_interval_minutes"`
		PenaltyIntervalMinutes   int `yaml:"penalty_interval_minutes"`
		SweepIntervalMinutes     int `yaml:"sweep_interval_minutes"`
		VerifyQueueSize          int `yaml:"verify_queue_size"`
		GracePeriodHours         int `yaml:"grace_period_hours"`
		PenaltyDailyRateBps      int `yaml:"penalty_daily_rate_bps"`
		LateFeeWeeklyRateBps     int `yaml:"late_fee_weekly_rate_bps"`
	} `yaml:"jobs"`
}

// Load reads the YAML file at path (missing file is fine — defaults
// apply) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:                 8080,
		Currency:             "NGN",
		CacheTTL:             30 * time.Second,
		GatewayTimeout:       15 * time.Second,
		RepaymentInterval:    time.Hour,
		PenaltyInterval:      24 * time.Hour,
		SweepInterval:        10 * time.Minute,
		VerifyQueueSize:      1024,
		GracePeriod:          24 * time.Hour,
		PenaltyDailyRateBps:  50,
		LateFeeWeeklyRateBps: 100,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.Port > 0 {
			cfg.Port = f.Service.Port
		}
		if f.Service.Currency != "" {
			cfg.Currency = f.Service.Currency
		}
		cfg.DatabaseURL = f.Dependencies.DatabaseURL
		cfg.RedisURL = f.Dependencies.RedisURL
		cfg.GatewayBaseURL = f.Dependencies.GatewayBaseURL
		if len(f.Dependencies.KafkaBrokers) > 0 {
			cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
		}
		if f.Jobs.RepaymentIntervalMinutes > 0 {
			cfg.RepaymentInterval = time.Duration(f.Jobs.RepaymentIntervalMinutes) * time.Minute
		}
		if f.Jobs.PenaltyIntervalMinutes > 0 {
			cfg.PenaltyInterval = time.Duration(f.Jobs.PenaltyIntervalMinutes) * time.Minute
		}
		if f.Jobs.SweepIntervalMinutes > 0 {
			cfg.SweepInterval = time.Duration(f.Jobs.SweepIntervalMinutes) * time.Minute
		}
		if f.Dependencies.CacheTTLSeconds > 0 {
			cfg.CacheTTL = time.Duration(f.Dependencies.CacheTTLSeconds) * time.Second
		}
		if f.Dependencies.GatewayTimeoutSeconds > 0 {
			cfg.GatewayTimeout = time.Duration(f.Dependencies.GatewayTimeoutSeconds) * time.Second
		}
		if f.Jobs.VerifyQueueSize > 0 {
			cfg.VerifyQueueSize = f.Jobs.VerifyQueueSize
		}
		if f.Jobs.GracePeriodHours > 0 {
			cfg.GracePeriod = time.Duration(f.Jobs.GracePeriodHours) * time.Hour
		}
		if f.Jobs.PenaltyDailyRateBps > 0 {
			cfg.PenaltyDailyRateBps = f.Jobs.PenaltyDailyRateBps
		}
		if f.Jobs.LateFeeWeeklyRateBps > 0 {
			cfg.LateFeeWeeklyRateBps = f.Jobs.LateFeeWeeklyRateBps
		}
	}

	cfg.Port = envInt("PORT", cfg.Port)
	cfg.Currency = envOrDefault("CURRENCY", cfg.Currency)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.GatewayBaseURL = envOrDefault("GATEWAY_BASE_URL", cfg.GatewayBaseURL)
	cfg.GatewaySecret = envOrDefault("GATEWAY_SECRET", cfg.GatewaySecret)
	cfg.RepaymentInterval = envMinutes("REPAYMENT_INTERVAL_MINUTES", cfg.RepaymentInterval)
	cfg.PenaltyInterval = envMinutes("PENALTY_INTERVAL_MINUTES", cfg.PenaltyInterval)
	cfg.SweepInterval = envMinutes("SWEEP_INTERVAL_MINUTES", cfg.SweepInterval)
	cfg.CacheTTL = envSeconds("CACHE_TTL_SECONDS", cfg.CacheTTL)
	cfg.GatewayTimeout = envSeconds("GATEWAY_TIMEOUT_SECONDS", cfg.GatewayTimeout)
	cfg.VerifyQueueSize = envInt("VERIFY_QUEUE_SIZE", cfg.VerifyQueueSize)
	cfg.GracePeriod = envHours("GRACE_PERIOD_HOURS", cfg.GracePeriod)
	cfg.PenaltyDailyRateBps = envInt("PENALTY_DAILY_RATE_BPS", cfg.PenaltyDailyRateBps)
	cfg.LateFeeWeeklyRateBps = envInt("LATE_FEE_WEEKLY_RATE_BPS", cfg.LateFeeWeeklyRateBps)

	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envMinutes(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Minute
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func envHours(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Hour
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
