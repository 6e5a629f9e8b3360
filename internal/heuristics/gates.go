package heuristics

import (
	"errors"
	"fmt"

	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/internal/geo"
)

// Proof Gates
//
// Hard admission checks a proof must clear before scoring: GPS accuracy,
// Haversine speed against the account's previous accepted click, and the
// per-account moratorium. Time deltas are measured between the previous
// click's timestamp and the current payload timestamp; a bounded negative
// delta is tolerated as client clock drift (and still fails the
// moratorium), anything below the tolerance is rejected outright.

var (
	ErrLowGpsAccuracy    = errors.New("gps accuracy above threshold")
	ErrTooFast           = errors.New("implied speed above limit")
	ErrMoratorium        = errors.New("moratorium not elapsed")
	ErrTimeWentBackwards = errors.New("timestamp before clock-drift tolerance")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
)

// CheckAccuracy gates the reported GPS 1-sigma radius. Zero, negative,
// and above-threshold values all fail; exactly the threshold passes.
func CheckAccuracy(cfg config.Config, accuracyM float64) error {
	if accuracyM <= 0 || accuracyM > cfg.GPSMaxAccuracyM {
		return fmt.Errorf("%w: accuracy %.1f m, max %.1f m", ErrLowGpsAccuracy, accuracyM, cfg.GPSMaxAccuracyM)
	}
	return nil
}

// CheckDelta classifies the millisecond delta since the account's last
// accepted click. Deltas in [−tolerance, 0] are drift-tolerated but can
// never satisfy the moratorium; below −tolerance the clock went backwards.
func CheckDelta(cfg config.Config, deltaMs int64) error {
	if deltaMs < -cfg.ClockDriftToleranceMs {
		return fmt.Errorf("%w: delta %d ms, tolerance %d ms", ErrTimeWentBackwards, deltaMs, cfg.ClockDriftToleranceMs)
	}
	if deltaMs <= 0 {
		return fmt.Errorf("%w: delta %d ms within clock-drift window", ErrMoratorium, deltaMs)
	}
	return nil
}

// Speed returns the implied m/s between two fixes. Undefined for
// non-positive deltas — callers run CheckDelta first.
func Speed(lat1, lon1, lat2, lon2 float64, deltaMs int64) float64 {
	if deltaMs <= 0 {
		return 0
	}
	return geo.Haversine(lat1, lon1, lat2, lon2) / (float64(deltaMs) / 1000.0)
}

// CheckSpeed gates the implied speed. Exactly the limit passes the gate
// but earns zero score points.
func CheckSpeed(cfg config.Config, speedMps float64) error {
	if speedMps > cfg.ProofSpeedLimitMps {
		return fmt.Errorf("%w: speed %.1f m/s > %.1f m/s", ErrTooFast, speedMps, cfg.ProofSpeedLimitMps)
	}
	return nil
}

// CheckMoratorium gates the elapsed time. Exactly the moratorium passes.
func CheckMoratorium(cfg config.Config, deltaMs int64) error {
	if deltaMs < cfg.ProofMoratoriumMs {
		return fmt.Errorf("%w: %d ms elapsed, %d ms required", ErrMoratorium, deltaMs, cfg.ProofMoratoriumMs)
	}
	return nil
}
