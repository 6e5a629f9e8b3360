package heuristics

import (
	"math"

	"github.com/stepprotocol/step-engine/pkg/models"
)

// Evidence plausibility checks for the optional v2 payload blocks.
//
// A spoofed location tends to ship either no raw GNSS data or a flat,
// synthetic C/N0 profile; real sky views spread several dB-Hz across
// satellites. Cell evidence is graded rather than gated: a full
// (mcc, mnc, cellId) triple scores higher than a bare network code.

// minGnssSatellites is the smallest constellation view that counts.
const minGnssSatellites = 4

// minCn0StdDev is the realistic C/N0 spread threshold in dB-Hz.
const minCn0StdDev = 3.0

// GnssRealistic reports whether the raw satellite block looks like a real
// sky view: at least four satellites whose C/N0 standard deviation
// reaches 3 dB-Hz.
func GnssRealistic(gnss *models.GnssBlock) bool {
	if gnss == nil || len(gnss.Satellites) < minGnssSatellites {
		return false
	}
	var sum float64
	for _, sat := range gnss.Satellites {
		sum += sat.Cn0
	}
	mean := sum / float64(len(gnss.Satellites))
	var variance float64
	for _, sat := range gnss.Satellites {
		d := sat.Cn0 - mean
		variance += d * d
	}
	variance /= float64(len(gnss.Satellites))
	return math.Sqrt(variance) >= minCn0StdDev
}

// CellScore grades the serving-cell evidence: 10 for a plausible full
// triple, 5 for network identity only, 0 otherwise.
func CellScore(cell *models.CellBlock) int {
	if cell == nil {
		return 0
	}
	// MCCs are three-digit codes; 200-799 covers the assigned geographic
	// ranges. MNC is two or three digits.
	mccPlausible := cell.Mcc >= 200 && cell.Mcc <= 799
	mncPlausible := cell.Mnc >= 0 && cell.Mnc <= 999
	if !mccPlausible || !mncPlausible {
		return 0
	}
	if cell.CellID > 0 {
		return WeightCellFull
	}
	return WeightCellPartial
}
