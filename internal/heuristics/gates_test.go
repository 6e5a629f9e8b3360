package heuristics

import (
	"errors"
	"testing"

	"github.com/stepprotocol/step-engine/internal/config"
)

func TestCheckAccuracyBoundaries(t *testing.T) {
	cfg := config.Default() // max 50 m

	if err := CheckAccuracy(cfg, 50); err != nil {
		t.Errorf("accuracy exactly at the threshold must pass: %v", err)
	}
	if err := CheckAccuracy(cfg, 51); !errors.Is(err, ErrLowGpsAccuracy) {
		t.Errorf("one meter above the threshold must fail, got %v", err)
	}
	if err := CheckAccuracy(cfg, 0); !errors.Is(err, ErrLowGpsAccuracy) {
		t.Error("zero accuracy must fail")
	}
	if err := CheckAccuracy(cfg, -3); !errors.Is(err, ErrLowGpsAccuracy) {
		t.Error("negative accuracy must fail")
	}
}

func TestCheckDeltaDriftWindow(t *testing.T) {
	cfg := config.Default() // tolerance 120 000 ms

	// Exactly at the negative tolerance: moratorium failure, not a
	// backwards clock.
	err := CheckDelta(cfg, -cfg.ClockDriftToleranceMs)
	if !errors.Is(err, ErrMoratorium) {
		t.Errorf("delta == -tolerance should be a moratorium failure, got %v", err)
	}
	// One millisecond below: the clock went backwards.
	err = CheckDelta(cfg, -cfg.ClockDriftToleranceMs-1)
	if !errors.Is(err, ErrTimeWentBackwards) {
		t.Errorf("delta one ms below tolerance should be TimeWentBackwards, got %v", err)
	}
	if err := CheckDelta(cfg, 0); !errors.Is(err, ErrMoratorium) {
		t.Errorf("zero delta should fail the moratorium, got %v", err)
	}
	if err := CheckDelta(cfg, 1); err != nil {
		t.Errorf("positive delta should pass CheckDelta: %v", err)
	}
}

func TestCheckMoratoriumBoundary(t *testing.T) {
	cfg := config.Default() // 10 000 ms

	if err := CheckMoratorium(cfg, cfg.ProofMoratoriumMs); err != nil {
		t.Errorf("delta exactly at the moratorium must pass: %v", err)
	}
	if err := CheckMoratorium(cfg, cfg.ProofMoratoriumMs-1); !errors.Is(err, ErrMoratorium) {
		t.Errorf("delta one ms short must fail, got %v", err)
	}
}

func TestSpeedGate(t *testing.T) {
	cfg := config.Default() // 15 m/s

	// ~11.1 km in 100 ms — the S3 scenario speed.
	speed := Speed(47.4979, 19.0402, 47.5979, 19.0402, 100)
	if speed < 100_000 {
		t.Errorf("expected an absurd speed, got %v m/s", speed)
	}
	if err := CheckSpeed(cfg, speed); !errors.Is(err, ErrTooFast) {
		t.Error("absurd speed passed the gate")
	}

	if err := CheckSpeed(cfg, 14.9); err != nil {
		t.Errorf("walking-pace speed failed: %v", err)
	}
	if err := CheckSpeed(cfg, cfg.ProofSpeedLimitMps); err != nil {
		t.Errorf("speed exactly at the limit passes the gate (scores zero): %v", err)
	}
	if err := CheckSpeed(cfg, cfg.ProofSpeedLimitMps+0.1); !errors.Is(err, ErrTooFast) {
		t.Error("speed above the limit passed")
	}
}

func TestSpeedSymmetry(t *testing.T) {
	// Reordering two fixes preserves the computed speed magnitude.
	a := Speed(47.0, 19.0, 47.1, 19.1, 60_000)
	b := Speed(47.1, 19.1, 47.0, 19.0, 60_000)
	if a != b {
		t.Errorf("speed not symmetric: %v vs %v", a, b)
	}
}
