package models

import "encoding/json"

// Proof payload version tags. v2 signs the canonical JSON of the whole
// payload; v1 signs the legacy pipe-delimited message.
const (
	ProofVersionV1 = "STEP-PROOF-v1"
	ProofVersionV2 = "STEP-PROOF-v2"
)

// Location is the GPS fix attached to a v2 proof.
type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Alt      *float64 `json:"alt,omitempty"`
	Accuracy float64  `json:"accuracy"` // meters, reported 1-sigma radius
}

// Satellite is one raw GNSS measurement row.
type Satellite struct {
	Svid          int     `json:"svid"`
	Cn0           float64 `json:"cn0"` // carrier-to-noise density, dB-Hz
	Az            float64 `json:"az"`
	El            float64 `json:"el"`
	Constellation string  `json:"constellation"`
}

// GnssBlock carries the optional raw satellite evidence.
type GnssBlock struct {
	Satellites   []Satellite `json:"satellites"`
	RawAvailable bool        `json:"rawAvailable"`
}

// NeighborCell is a secondary cell measurement.
type NeighborCell struct {
	CellID int     `json:"cellId"`
	Rsrp   float64 `json:"rsrp"`
}

// CellBlock carries the optional serving-cell evidence.
type CellBlock struct {
	Mcc       int            `json:"mcc"`
	Mnc       int            `json:"mnc"`
	CellID    int            `json:"cellId"`
	Tac       *int           `json:"tac,omitempty"`
	Rsrp      *float64       `json:"rsrp,omitempty"`
	Neighbors []NeighborCell `json:"neighbors,omitempty"`
}

// DeviceBlock identifies the submitting device build.
type DeviceBlock struct {
	Model               string `json:"model"`
	OS                  string `json:"os"`
	AppVersion          string `json:"appVersion"`
	MockLocationEnabled *bool  `json:"mockLocationEnabled,omitempty"`
}

// ProofPayloadV2 is the canonical v2 submission shape.
type ProofPayloadV2 struct {
	Version     string      `json:"version"`
	Account     string      `json:"account"`
	TriangleID  string      `json:"triangleId"`
	Location    Location    `json:"location"`
	Gnss        *GnssBlock  `json:"gnss,omitempty"`
	Cell        *CellBlock  `json:"cell,omitempty"`
	Device      DeviceBlock `json:"device"`
	Attestation string      `json:"attestation"`
	Timestamp   string      `json:"timestamp"` // ISO 8601 UTC with ms
	Nonce       string      `json:"nonce"`     // UUID v4
}

// ProofPayloadV1 is the legacy flat submission shape.
type ProofPayloadV1 struct {
	Version    string  `json:"version"`
	Account    string  `json:"account"`
	TriangleID string  `json:"triangleId"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Accuracy   float64 `json:"accuracy"`
	Timestamp  string  `json:"timestamp"`
	Nonce      string  `json:"nonce"`
}

// ProofSubmission is the raw request body: a payload of either version
// plus its 65-byte hex signature. The payload is kept as RawMessage so the
// v2 signable message can be rebuilt from exactly what the client signed.
type ProofSubmission struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// ConfidenceScores decomposes the confidence total into its signals.
// wifi and witness are reserved for later phases and always 0 today.
type ConfidenceScores struct {
	Signature   int `json:"signature"`
	GpsAccuracy int `json:"gpsAccuracy"`
	SpeedGate   int `json:"speedGate"`
	Moratorium  int `json:"moratorium"`
	Attestation int `json:"attestation"`
	GnssRaw     int `json:"gnssRaw"`
	CellTower   int `json:"cellTower"`
	Wifi        int `json:"wifi"`
	Witness     int `json:"witness"`
	Total       int `json:"total"`
}

// SubmitResponse is the proof endpoint's reply for both outcomes.
type SubmitResponse struct {
	OK              bool              `json:"ok"`
	Confidence      int               `json:"confidence"`
	ConfidenceLevel string            `json:"confidenceLevel"`
	Scores          *ConfidenceScores `json:"scores,omitempty"`
	Reward          string            `json:"reward,omitempty"`
	Balance         string            `json:"balance,omitempty"`
	Error           string            `json:"error,omitempty"`
	Reasons         []string          `json:"reasons,omitempty"`
	ProcessedAt     string            `json:"processedAt"`
}

// ConfidenceLevel maps a 0..100 confidence total to its display band.
func ConfidenceLevel(total int) string {
	switch {
	case total <= 20:
		return "No Confidence"
	case total <= 49:
		return "Low Confidence"
	case total <= 74:
		return "Medium Confidence"
	case total <= 89:
		return "High Confidence"
	default:
		return "Very High Confidence"
	}
}
