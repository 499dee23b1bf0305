// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Agent configures an engine agent process.
type Agent struct {
	Port     int    `env:"PORT"      envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL  string        `env:"DATABASE_URL"`
	RedisURL     string        `env:"REDIS_URL"`
	CacheTTL     time.Duration `env:"CACHE_TTL"      envDefault:"30s"`
	PolicyDBPath string        `env:"POLICY_DB_PATH"`

	BaseRate            decimal.Decimal `env:"BASE_XP_TO_GAMI_RATE" envDefault:"1000"`
	DeflationAdjustment decimal.Decimal `env:"DEFLATION_ADJUSTMENT" envDefault:"0.10"`
	InflationThreshold  float64         `env:"INFLATION_THRESHOLD"  envDefault:"5.0"`
	SimulationWorkers   int             `env:"SIMULATION_WORKERS"`
	SimulationHistory   int             `env:"SIMULATION_HISTORY"   envDefault:"100"`

	Epsilon            float64 `env:"EPSILON"              envDefault:"0.10"`
	Contamination      float64 `env:"CONTAMINATION"        envDefault:"0.05"`
	SybilStdMultiplier float64 `env:"SYBIL_STD_MULTIPLIER" envDefault:"3.0"`

	IngestQueueSize     int           `env:"INGEST_QUEUE_SIZE"     envDefault:"1024"`
	IngestBatchSize     int           `env:"INGEST_BATCH_SIZE"     envDefault:"100"`
	IngestFlushInterval time.Duration `env:"INGEST_FLUSH_INTERVAL" envDefault:"10s"`

	// Seed fixes every random source. Zero seeds from the runtime.
	Seed uint64 `env:"RANDOM_SEED" envDefault:"0"`
}

// Supervisor configures the orchestrator process.
type Supervisor struct {
	Addr     string `env:"SUPERVISOR_ADDR" envDefault:":8800"`
	LogLevel string `env:"LOG_LEVEL"       envDefault:"info"`
	RedisURL string `env:"REDIS_URL"`

	EconomyURL  string `env:"ECONOMY_AGENT_URL"  envDefault:"http://localhost:8001"`
	QuestURL    string `env:"QUEST_AGENT_URL"    envDefault:"http://localhost:8002"`
	SecurityURL string `env:"SECURITY_AGENT_URL" envDefault:"http://localhost:8003"`

	HealthInterval time.Duration `env:"SUPERVISOR_HEALTH_INTERVAL" envDefault:"60s"`
	RequestTimeout time.Duration `env:"SUPERVISOR_REQUEST_TIMEOUT" envDefault:"20s"`
	ConnectTimeout time.Duration `env:"SUPERVISOR_CONNECT_TIMEOUT" envDefault:"5s"`

	// Transport is http or stdio.
	Transport string `env:"MCP_TRANSPORT" envDefault:"http"`
}

// LoadAgent reads agent configuration.
func LoadAgent() (Agent, error) {
	var cfg Agent
	if err := parse(&cfg); err != nil {
		return Agent{}, err
	}
	switch {
	case cfg.Port < 1 || cfg.Port > 65535:
		return Agent{}, fmt.Errorf("PORT must be within [1, 65535], got %d", cfg.Port)
	case !cfg.BaseRate.IsPositive():
		return Agent{}, fmt.Errorf("BASE_XP_TO_GAMI_RATE must be positive, got %s", cfg.BaseRate)
	case cfg.Contamination <= 0 || cfg.Contamination >= 0.5:
		return Agent{}, fmt.Errorf("CONTAMINATION must be within (0, 0.5), got %v", cfg.Contamination)
	case cfg.IngestQueueSize < 1 || cfg.IngestBatchSize < 1:
		return Agent{}, fmt.Errorf("ingest queue and batch sizes must be positive")
	}
	return cfg, nil
}

// LoadSupervisor reads orchestrator configuration.
func LoadSupervisor() (Supervisor, error) {
	var cfg Supervisor
	if err := parse(&cfg); err != nil {
		return Supervisor{}, err
	}
	if cfg.Transport != "http" && cfg.Transport != "stdio" {
		return Supervisor{}, fmt.Errorf("MCP_TRANSPORT must be http or stdio, got %q", cfg.Transport)
	}
	return cfg, nil
}

func parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Level maps LOG_LEVEL to a slog level. Unknown values fall back to info.
func Level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
