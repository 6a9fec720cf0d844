// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for databases and state snapshots
	LogLevel string
	Port     int
	DevMode  bool

	// PortfolioPath points at the YAML portfolio spec (modules, universes,
	// sleeve goals). Defaults to portfolio.yaml inside DataDir.
	PortfolioPath string

	// Rebalance schedule, cron format with seconds. Default: first day of
	// the month at 06:00 UTC.
	RebalanceSchedule string

	Allocator AllocatorConfig
	Backup    BackupConfig
}

// AllocatorConfig holds the coordinator tuning parameters. It is passed by
// value into each pipeline stage; stages never mutate it.
type AllocatorConfig struct {
	RiskPenalty       float64 // κ in score = alpha − κ·risk
	Temperature       float64 // softmax temperature, must be > 0
	AdaptationRate    float64 // η for trust updates
	StressMultiplier  float64 // η multiplier while stressed
	MinTrust          float64
	MaxTrust          float64
	AssetCap          float64 // per-asset weight cap
	TargetVolLower    float64
	TargetVolUpper    float64
	AnnualTurnover    float64 // annual turnover budget (sum of |delta|)
	TurnoverBankCap   float64 // max banked unused monthly allowance
	WithdrawalBase    float64 // annual withdrawal obligation
	IncomeCoverage    float64 // required ICR, e.g. 1.2
	DrawdownThreshold float64 // stress trigger
	ProjectionIters   int     // water-filling iteration budget
	ProjectionEps     float64 // sum-to-one tolerance
}

// BackupConfig holds S3-compatible backup settings (Cloudflare R2 or AWS S3).
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("COORDINATOR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		PortfolioPath:     getEnv("PORTFOLIO_SPEC", filepath.Join(absDataDir, "portfolio.yaml")),
		Port:              getEnvAsInt("GO_PORT", 8001),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		RebalanceSchedule: getEnv("REBALANCE_SCHEDULE", "0 0 6 1 * *"),
		Allocator:         loadAllocatorConfig(),
		Backup:            loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAllocatorConfig loads allocator tuning with documented defaults.
// Temperature safe range is [0.01, 5]: below ~0.01 the softmax saturates to
// a single module, above ~5 it is indistinguishable from equal weighting.
func loadAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		RiskPenalty:       getEnvAsFloat("ALLOC_RISK_PENALTY", 0.3),
		Temperature:       getEnvAsFloat("ALLOC_TEMPERATURE", 0.05),
		AdaptationRate:    getEnvAsFloat("ALLOC_ADAPTATION_RATE", 0.05),
		StressMultiplier:  getEnvAsFloat("ALLOC_STRESS_MULTIPLIER", 3.0),
		MinTrust:          getEnvAsFloat("ALLOC_MIN_TRUST", 0.02),
		MaxTrust:          getEnvAsFloat("ALLOC_MAX_TRUST", 0.50),
		AssetCap:          getEnvAsFloat("ALLOC_ASSET_CAP", 0.15),
		TargetVolLower:    getEnvAsFloat("ALLOC_VOL_LOWER", 0.08),
		TargetVolUpper:    getEnvAsFloat("ALLOC_VOL_UPPER", 0.12),
		AnnualTurnover:    getEnvAsFloat("ALLOC_ANNUAL_TURNOVER", 0.15),
		TurnoverBankCap:   getEnvAsFloat("ALLOC_TURNOVER_BANK_CAP", 0.025),
		WithdrawalBase:    getEnvAsFloat("ALLOC_WITHDRAWAL_BASE", 0.0),
		IncomeCoverage:    getEnvAsFloat("ALLOC_INCOME_COVERAGE", 1.2),
		DrawdownThreshold: getEnvAsFloat("ALLOC_DRAWDOWN_THRESHOLD", 0.10),
		ProjectionIters:   getEnvAsInt("ALLOC_PROJECTION_ITERS", 100),
		ProjectionEps:     getEnvAsFloat("ALLOC_PROJECTION_EPS", 1e-9),
	}
}

func loadBackupConfig() BackupConfig {
	return BackupConfig{
		Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
	}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	a := c.Allocator
	if a.Temperature <= 0 {
		return fmt.Errorf("ALLOC_TEMPERATURE must be > 0, got %v", a.Temperature)
	}
	if a.MinTrust < 0 || a.MaxTrust <= a.MinTrust {
		return fmt.Errorf("trust bounds invalid: [%v, %v]", a.MinTrust, a.MaxTrust)
	}
	if a.AssetCap <= 0 || a.AssetCap > 1 {
		return fmt.Errorf("ALLOC_ASSET_CAP must be in (0, 1], got %v", a.AssetCap)
	}
	if a.TargetVolLower >= a.TargetVolUpper {
		return fmt.Errorf("volatility band invalid: [%v, %v]", a.TargetVolLower, a.TargetVolUpper)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET required when backups are enabled")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
