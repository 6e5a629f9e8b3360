package config

import (
	"log"
	"math/big"
	"os"
	"strconv"
)

// Engine configuration. Every threshold is an environment variable with a
// documented default so gate tuning never needs a code edit. The Config
// value is passed explicitly to the pipeline constructor — there is no
// process-wide mutable singleton.
type Config struct {
	GPSMaxAccuracyM       float64  // GPS_MAX_ACCURACY_M
	ProofSpeedLimitMps    float64  // PROOF_SPEED_LIMIT_MPS
	ProofMoratoriumMs     int64    // PROOF_MORATORIUM_MS
	ClockDriftToleranceMs int64    // CLOCK_DRIFT_TOLERANCE_MS
	SubdivisionThreshold  int      // SUBDIVISION_THRESHOLD
	BaseRewardAtomic      *big.Int // BASE_REWARD_ATOMIC, level-1 reward in atomic units
	MaxBboxResults        int      // MAX_BBOX_RESULTS, server cap on search endpoints
}

// Default returns the documented defaults: 50 m accuracy ceiling, 15 m/s
// speed limit, 10 s moratorium, 120 s clock-drift tolerance, subdivision
// at 2 clicks, 1 STEP (1e18 atomic) base reward, 256-result query cap.
func Default() Config {
	base, _ := new(big.Int).SetString("1000000000000000000", 10)
	return Config{
		GPSMaxAccuracyM:       50,
		ProofSpeedLimitMps:    15,
		ProofMoratoriumMs:     10_000,
		ClockDriftToleranceMs: 120_000,
		SubdivisionThreshold:  2,
		BaseRewardAtomic:      base,
		MaxBboxResults:        256,
	}
}

// FromEnv overlays environment variables onto the defaults. Malformed
// values are logged and ignored rather than crashing the engine.
func FromEnv() Config {
	cfg := Default()
	cfg.GPSMaxAccuracyM = envFloat("GPS_MAX_ACCURACY_M", cfg.GPSMaxAccuracyM)
	cfg.ProofSpeedLimitMps = envFloat("PROOF_SPEED_LIMIT_MPS", cfg.ProofSpeedLimitMps)
	cfg.ProofMoratoriumMs = envInt64("PROOF_MORATORIUM_MS", cfg.ProofMoratoriumMs)
	cfg.ClockDriftToleranceMs = envInt64("CLOCK_DRIFT_TOLERANCE_MS", cfg.ClockDriftToleranceMs)
	cfg.SubdivisionThreshold = int(envInt64("SUBDIVISION_THRESHOLD", int64(cfg.SubdivisionThreshold)))
	cfg.MaxBboxResults = int(envInt64("MAX_BBOX_RESULTS", int64(cfg.MaxBboxResults)))

	if raw := os.Getenv("BASE_REWARD_ATOMIC"); raw != "" {
		if base, ok := new(big.Int).SetString(raw, 10); ok && base.Sign() > 0 {
			cfg.BaseRewardAtomic = base
		} else {
			log.Printf("[Config] Ignoring malformed BASE_REWARD_ATOMIC=%q", raw)
		}
	}
	return cfg
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q", key, raw)
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("[Config] Ignoring malformed %s=%q", key, raw)
		return fallback
	}
	return v
}
