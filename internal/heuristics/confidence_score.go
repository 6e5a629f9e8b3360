package heuristics

import (
	"math"

	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// Weighted Confidence Scorer
//
// Each trust signal contributes an independent integer component and the
// total is their sum clipped to [0, 100]:
//
//   Score = clamp(0, 100, Σ signal_i)
//
// Signal maxima:
//   - Signature validity:    20 (a failing signature rejects the proof
//                                before scoring ever runs)
//   - GPS accuracy:          15 (linear from 15 at ≤10 m to 0 at the
//                                configured ceiling)
//   - Speed gate:            10 (10 under half the limit, 5 under the
//                                limit, 0 at the limit)
//   - Moratorium:             5 (5 at ≥2× the moratorium, else 2)
//   - Hardware attestation:  25 (opaque external verifier, all or nothing)
//   - GNSS raw:              15 (≥4 satellites with realistic C/N0 spread)
//   - Cell tower:            10 (full serving-cell triple, 5 with only
//                                mcc/mnc)
//
// wifi and witness are reserved for later phases and stay 0. The
// breakdown is returned to the client verbatim.

// Signal weights.
const (
	WeightSignature      = 20
	WeightGpsAccuracyMax = 15
	WeightSpeedFull      = 10
	WeightSpeedHalf      = 5
	WeightMoratoriumFull = 5
	WeightMoratoriumMin  = 2
	WeightAttestation    = 25
	WeightGnssRaw        = 15
	WeightCellFull       = 10
	WeightCellPartial    = 5

	// gpsFloorM is where the accuracy signal saturates at its maximum.
	gpsFloorM = 10.0
)

// Signals carries the per-proof inputs the scorer combines. The pipeline
// scores accepted proofs and also proofs that failed a soft gate
// (accuracy, speed, moratorium), so a rejection still carries its
// breakdown.
type Signals struct {
	AccuracyM     float64
	SpeedMps      float64
	HasPriorClick bool
	DeltaMs       int64 // since the account's previous accepted click
	AttestationOK bool
	Gnss          *models.GnssBlock
	Cell          *models.CellBlock
}

// Score combines the signals into the 0..100 confidence total plus its
// breakdown.
func Score(cfg config.Config, sig Signals) models.ConfidenceScores {
	scores := models.ConfidenceScores{
		Signature: WeightSignature,
	}

	// ─── GPS Accuracy ────────────────────────────────────────────────
	// Linear ramp: full points at ≤10 m, zero at the configured ceiling.
	switch {
	case sig.AccuracyM <= gpsFloorM:
		scores.GpsAccuracy = WeightGpsAccuracyMax
	case sig.AccuracyM >= cfg.GPSMaxAccuracyM:
		scores.GpsAccuracy = 0
	default:
		span := cfg.GPSMaxAccuracyM - gpsFloorM
		scores.GpsAccuracy = int(math.Round(WeightGpsAccuracyMax * (cfg.GPSMaxAccuracyM - sig.AccuracyM) / span))
	}

	// ─── Speed Gate ──────────────────────────────────────────────────
	// A first-ever click has no reference fix and takes full points.
	switch {
	case !sig.HasPriorClick || sig.SpeedMps < cfg.ProofSpeedLimitMps/2:
		scores.SpeedGate = WeightSpeedFull
	case sig.SpeedMps < cfg.ProofSpeedLimitMps:
		scores.SpeedGate = WeightSpeedHalf
	default:
		scores.SpeedGate = 0
	}

	// ─── Moratorium ──────────────────────────────────────────────────
	switch {
	case !sig.HasPriorClick || sig.DeltaMs >= 2*cfg.ProofMoratoriumMs:
		scores.Moratorium = WeightMoratoriumFull
	default:
		scores.Moratorium = WeightMoratoriumMin
	}

	// ─── Hardware Attestation ────────────────────────────────────────
	if sig.AttestationOK {
		scores.Attestation = WeightAttestation
	}

	// ─── GNSS Raw ────────────────────────────────────────────────────
	if GnssRealistic(sig.Gnss) {
		scores.GnssRaw = WeightGnssRaw
	}

	// ─── Cell Tower ──────────────────────────────────────────────────
	scores.CellTower = CellScore(sig.Cell)

	total := scores.Signature + scores.GpsAccuracy + scores.SpeedGate +
		scores.Moratorium + scores.Attestation + scores.GnssRaw +
		scores.CellTower + scores.Wifi + scores.Witness
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	scores.Total = total
	return scores
}
