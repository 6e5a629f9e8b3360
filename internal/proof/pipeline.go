package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/internal/geo"
	"github.com/stepprotocol/step-engine/internal/heuristics"
	"github.com/stepprotocol/step-engine/internal/ledger"
	"github.com/stepprotocol/step-engine/internal/mesh"
	"github.com/stepprotocol/step-engine/internal/store"
	"github.com/stepprotocol/step-engine/internal/wallet"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// Proof Validation Pipeline
//
// One Submit call runs the full admission sequence for a signed location
// claim: shape validation, signature recovery, nonce pre-check, timestamp
// sanity, triangle load, geometry containment, the hard gates, confidence
// scoring, and finally the atomic commit (triangle mutation + children +
// events + balance credit). The storage unique index on (account, nonce)
// is the authoritative replay defense — the early pre-check is only an
// optimization that avoids burning a transaction on an obvious replay.
//
// CAS conflicts on the triangle version are retried up to casRetries
// times before surfacing InternalError. ReplayedNonce is never retried.

// Stable error codes surfaced to clients.
const (
	CodeInvalidCoordinate   = "InvalidCoordinate"
	CodeInvalidTriangleID   = "InvalidTriangleId"
	CodeInvalidTimestamp    = "InvalidTimestamp"
	CodeTimeWentBackwards   = "TimeWentBackwards"
	CodeBadSignature        = "BadSignature"
	CodeReplayedNonce       = "ReplayedNonce"
	CodeLowGpsAccuracy      = "LowGpsAccuracy"
	CodeTooFast             = "TooFast"
	CodeMoratorium          = "Moratorium"
	CodeOutOfTriangle       = "OutOfTriangle"
	CodeTriangleSubdivided  = "TriangleSubdivided"
	CodeTriangleExhausted   = "TriangleExhausted"
	CodePointNotOnMesh      = "PointNotOnMesh"
	CodeInsufficientBalance = "InsufficientBalance"
	CodeInternalError       = "InternalError"
)

// casRetries bounds the optimistic-concurrency retry loop.
const casRetries = 3

// RejectError carries a taxonomy code plus diagnostic reasons.
type RejectError struct {
	Code    string
	Reasons []string
}

func (e *RejectError) Error() string {
	return e.Code
}

func reject(code string, reasons ...string) *RejectError {
	return &RejectError{Code: code, Reasons: reasons}
}

// Pipeline wires the validation stages over one Store.
type Pipeline struct {
	cfg    config.Config
	store  store.Store
	ledger *ledger.Ledger
	attest AttestationVerifier
	now    func() time.Time
	notify func(event string, payload interface{})
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithClock injects a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithNotifier registers a hook invoked after commit for accepted clicks
// and subdivisions (the websocket hub subscribes here).
func WithNotifier(fn func(event string, payload interface{})) Option {
	return func(p *Pipeline) { p.notify = fn }
}

// New builds a pipeline. The Config value is explicit; defaults come from
// config.Default, not from globals.
func New(cfg config.Config, s store.Store, attest AttestationVerifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		store:  s,
		ledger: ledger.New(s, cfg.BaseRewardAtomic),
		attest: attest,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ledger exposes balance reads for the API layer.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.ledger
}

// parsed is the version-normalized view of a submission.
type parsed struct {
	version     string
	account     string
	triangleID  string
	lat, lon    float64
	accuracy    float64
	timestamp   string
	nonce       string
	attestation string
	platform    string
	gnss        *models.GnssBlock
	cell        *models.CellBlock
}

// Submit runs the full pipeline and always returns a response shape the
// client can render, success or not.
func (p *Pipeline) Submit(ctx context.Context, sub *models.ProofSubmission) *models.SubmitResponse {
	resp, err := p.process(ctx, sub)
	if err == nil {
		return resp
	}

	var rej *RejectError
	if !errors.As(err, &rej) {
		log.Printf("[Pipeline] Internal error: %v", err)
		rej = reject(CodeInternalError, err.Error())
	}
	out := &models.SubmitResponse{
		OK:          false,
		Error:       rej.Code,
		Reasons:     rej.Reasons,
		ProcessedAt: p.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if resp != nil {
		// Soft-failure path: a gate failed after the score was computable.
		out.Confidence = resp.Confidence
		out.ConfidenceLevel = resp.ConfidenceLevel
		out.Scores = resp.Scores
	}
	return out
}

func (p *Pipeline) process(ctx context.Context, sub *models.ProofSubmission) (*models.SubmitResponse, error) {
	// ─── 1. Parse & shape validation ─────────────────────────────────
	pl, err := parsePayload(sub.Payload)
	if err != nil {
		return nil, err
	}

	// ─── 2. Signature recovery ───────────────────────────────────────
	if err := p.verifySignature(pl, sub); err != nil {
		return nil, err
	}

	// ─── 3. Nonce pre-check (read-only) ──────────────────────────────
	seen, err := p.store.HasNonce(ctx, pl.account, pl.nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce pre-check: %w", err)
	}
	if seen {
		return nil, reject(CodeReplayedNonce, fmt.Sprintf("nonce %s already consumed", pl.nonce))
	}

	// ─── 4. Timestamp sanity ─────────────────────────────────────────
	ts, err := time.Parse(time.RFC3339Nano, pl.timestamp)
	if err != nil {
		return nil, reject(CodeInvalidTimestamp, fmt.Sprintf("unparseable timestamp %q", pl.timestamp))
	}
	tsMs := ts.UnixMilli()
	nowMs := p.now().UnixMilli()
	if tsMs > nowMs+p.cfg.ClockDriftToleranceMs {
		return nil, reject(CodeInvalidTimestamp, fmt.Sprintf("timestamp %d ms in the future", tsMs-nowMs))
	}

	// ─── 5. Load triangle ────────────────────────────────────────────
	tid, err := mesh.Decode(pl.triangleID)
	if err != nil {
		return nil, reject(CodeInvalidTriangleID, err.Error())
	}
	tri := mesh.Build(tid)
	rec, err := p.store.GetOrCreateTriangle(ctx, materialize(tri, nowMs))
	if err != nil {
		return nil, fmt.Errorf("triangle load: %w", err)
	}
	if err := checkMineable(rec); err != nil {
		return nil, err
	}

	// ─── 6. Geometry containment ─────────────────────────────────────
	if err := geo.CheckLatLon(pl.lat, pl.lon); err != nil {
		return nil, reject(CodeInvalidCoordinate, err.Error())
	}
	if !tri.Contains(geo.FromLatLon(pl.lat, pl.lon)) {
		return nil, reject(CodeOutOfTriangle,
			fmt.Sprintf("location (%v, %v) outside triangle %s", pl.lat, pl.lon, pl.triangleID))
	}

	// ─── 7. Hard gates ───────────────────────────────────────────────
	signals := heuristics.Signals{
		AccuracyM:     pl.accuracy,
		AttestationOK: p.attest.Verify(ctx, pl.attestation, pl.nonce, pl.platform),
		Gnss:          pl.gnss,
		Cell:          pl.cell,
	}

	if err := heuristics.CheckAccuracy(p.cfg, pl.accuracy); err != nil {
		return p.softReject(signals, reject(CodeLowGpsAccuracy, err.Error()))
	}

	last, err := p.store.LastClick(ctx, pl.account)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// first proof for this account, speed and moratorium vacuous
	case err != nil:
		return nil, fmt.Errorf("last-click lookup: %w", err)
	default:
		signals.HasPriorClick = true
		signals.DeltaMs = tsMs - last.Timestamp
		if err := heuristics.CheckDelta(p.cfg, signals.DeltaMs); err != nil {
			if errors.Is(err, heuristics.ErrTimeWentBackwards) {
				return nil, reject(CodeTimeWentBackwards, err.Error())
			}
			return p.softReject(signals, reject(CodeMoratorium, err.Error()))
		}
		signals.SpeedMps = heuristics.Speed(last.Click.Lat, last.Click.Lon, pl.lat, pl.lon, signals.DeltaMs)
		if err := heuristics.CheckSpeed(p.cfg, signals.SpeedMps); err != nil {
			return p.softReject(signals, reject(CodeTooFast, err.Error()))
		}
		if err := heuristics.CheckMoratorium(p.cfg, signals.DeltaMs); err != nil {
			return p.softReject(signals, reject(CodeMoratorium, err.Error()))
		}
	}

	// ─── 8. Confidence scoring ───────────────────────────────────────
	scores := heuristics.Score(p.cfg, signals)

	// ─── 9–15. Atomic commit with bounded CAS retry ──────────────────
	reward := p.ledger.Reward(rec.Level)
	var commit *commitResult
	for attempt := 0; ; attempt++ {
		commit, err = p.commitClick(ctx, rec, tri, pl, signals, reward, tsMs, sub.Signature)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateNonce) {
			return nil, reject(CodeReplayedNonce, fmt.Sprintf("nonce %s already consumed", pl.nonce))
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < casRetries {
			if rec, err = p.store.GetTriangle(ctx, rec.ID); err != nil {
				return nil, fmt.Errorf("commit reload: %w", err)
			}
			if err := checkMineable(rec); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	p.broadcast(commit)

	return &models.SubmitResponse{
		OK:              true,
		Confidence:      scores.Total,
		ConfidenceLevel: models.ConfidenceLevel(scores.Total),
		Scores:          &scores,
		Reward:          reward.String(),
		Balance:         commit.balance.String(),
		ProcessedAt:     p.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}, nil
}

// softReject attaches the computed score breakdown to a gate failure so
// the client still sees where the proof stood.
func (p *Pipeline) softReject(signals heuristics.Signals, rej *RejectError) (*models.SubmitResponse, error) {
	scores := heuristics.Score(p.cfg, signals)
	return &models.SubmitResponse{
		Confidence:      scores.Total,
		ConfidenceLevel: models.ConfidenceLevel(scores.Total),
		Scores:          &scores,
	}, rej
}

// checkMineable rejects terminal triangle states.
func checkMineable(rec *models.TriangleRecord) error {
	switch rec.State {
	case models.StateSubdivided:
		return reject(CodeTriangleSubdivided, fmt.Sprintf("triangle %s already subdivided", rec.ID))
	case models.StateExhausted:
		return reject(CodeTriangleExhausted, fmt.Sprintf("triangle %s exhausted", rec.ID))
	}
	return nil
}

// materialize builds the sparse-create record for a triangle id.
func materialize(tri mesh.Triangle, nowMs int64) *models.TriangleRecord {
	rec := &models.TriangleRecord{
		ID:                tri.ID.Encode(),
		Face:              tri.ID.Face,
		Level:             tri.ID.Level,
		PathEncoded:       tri.ID.PathEncoded(),
		State:             models.StatePending,
		MoratoriumStartAt: nowMs,
		Centroid:          tri.CentroidPoint(),
		Polygon:           tri.PolygonGeoJSON(),
		CreatedAt:         nowMs,
		UpdatedAt:         nowMs,
	}
	if parent, ok := tri.ID.Parent(); ok {
		rec.ParentID = parent.Encode()
	}
	return rec
}

type commitResult struct {
	balance    *big.Int
	triangle   *models.TriangleRecord
	subdivided bool
}

// commitClick assembles and applies one ClickTxn against the observed
// triangle version.
func (p *Pipeline) commitClick(ctx context.Context, rec *models.TriangleRecord, tri mesh.Triangle,
	pl *parsed, signals heuristics.Signals, reward *big.Int, tsMs int64, signature string) (*commitResult, error) {

	next := *rec
	next.ChildrenIDs = append([]string(nil), rec.ChildrenIDs...)
	next.Clicks = rec.Clicks + 1
	next.LastClickAt = tsMs
	next.UpdatedAt = p.now().UnixMilli()

	fromState := rec.State
	var children []*models.TriangleRecord
	subdivided := false
	switch {
	case next.Clicks >= p.cfg.SubdivisionThreshold && rec.Level < mesh.MaxLevel:
		next.State = models.StateSubdivided
		kids, _ := tri.ID.Children()
		next.ChildrenIDs = make([]string, 0, 4)
		for _, kid := range kids {
			child := materialize(mesh.Build(kid), next.UpdatedAt)
			children = append(children, child)
			next.ChildrenIDs = append(next.ChildrenIDs, child.ID)
		}
		subdivided = true
	case next.Clicks >= p.cfg.SubdivisionThreshold:
		next.State = models.StateExhausted
	case rec.Clicks == 0:
		next.State = models.StateActive
	default:
		next.State = models.StatePartiallyMined
	}

	events := []*models.Event{{
		ID:         uuid.NewString(),
		TriangleID: next.ID,
		Type:       models.EventClick,
		Timestamp:  tsMs,
		Account:    pl.account,
		Nonce:      pl.nonce,
		Signature:  signature,
		Click: &models.ClickPayload{
			Lat:         pl.lat,
			Lon:         pl.lon,
			Accuracy:    pl.accuracy,
			Speed:       signals.SpeedMps,
			ClickNumber: next.Clicks,
			Reward:      reward.String(),
		},
	}}
	if next.State != fromState {
		events = append(events, &models.Event{
			ID:         uuid.NewString(),
			TriangleID: next.ID,
			Type:       models.EventStateChange,
			Timestamp:  tsMs,
			FromState:  fromState,
			ToState:    next.State,
		})
	}
	if subdivided {
		events = append(events, &models.Event{
			ID:         uuid.NewString(),
			TriangleID: next.ID,
			Type:       models.EventSubdivide,
			Timestamp:  tsMs,
		})
	}

	balance, err := p.store.ApplyClick(ctx, &store.ClickTxn{
		Triangle: &next,
		Children: children,
		Account:  pl.account,
		Reward:   reward,
		Events:   events,
	})
	if err != nil {
		return nil, err
	}
	return &commitResult{balance: balance, triangle: &next, subdivided: subdivided}, nil
}

// broadcast pushes accepted-click and subdivision notifications to the
// registered hub hook.
func (p *Pipeline) broadcast(commit *commitResult) {
	if p.notify == nil {
		return
	}
	p.notify("click", map[string]interface{}{
		"triangleId": commit.triangle.ID,
		"clicks":     commit.triangle.Clicks,
		"state":      commit.triangle.State,
	})
	if commit.subdivided {
		p.notify("subdivide", map[string]interface{}{
			"triangleId":  commit.triangle.ID,
			"childrenIds": commit.triangle.ChildrenIDs,
		})
	}
}

// parsePayload normalizes the two payload versions into one view, doing
// the field-shape validation the pipeline's later stages rely on.
func parsePayload(raw json.RawMessage) (*parsed, error) {
	var probe struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, reject(CodeBadSignature, "unparseable payload")
	}

	var pl *parsed
	switch probe.Version {
	case models.ProofVersionV2:
		var v2 models.ProofPayloadV2
		if err := json.Unmarshal(raw, &v2); err != nil {
			return nil, reject(CodeBadSignature, "malformed v2 payload")
		}
		pl = &parsed{
			version:     v2.Version,
			account:     v2.Account,
			triangleID:  v2.TriangleID,
			lat:         v2.Location.Lat,
			lon:         v2.Location.Lon,
			accuracy:    v2.Location.Accuracy,
			timestamp:   v2.Timestamp,
			nonce:       v2.Nonce,
			attestation: v2.Attestation,
			platform:    v2.Device.OS,
			gnss:        v2.Gnss,
			cell:        v2.Cell,
		}
	case models.ProofVersionV1:
		var v1 models.ProofPayloadV1
		if err := json.Unmarshal(raw, &v1); err != nil {
			return nil, reject(CodeBadSignature, "malformed v1 payload")
		}
		pl = &parsed{
			version:    v1.Version,
			account:    v1.Account,
			triangleID: v1.TriangleID,
			lat:        v1.Lat,
			lon:        v1.Lon,
			accuracy:   v1.Accuracy,
			timestamp:  v1.Timestamp,
			nonce:      v1.Nonce,
		}
	default:
		return nil, reject(CodeBadSignature, fmt.Sprintf("unknown proof version %q", probe.Version))
	}

	if !wallet.ValidAddress(pl.account) {
		return nil, reject(CodeBadSignature, fmt.Sprintf("malformed account %q", pl.account))
	}
	if _, err := uuid.Parse(pl.nonce); err != nil {
		return nil, reject(CodeBadSignature, fmt.Sprintf("nonce %q is not a UUID", pl.nonce))
	}
	if err := geo.CheckLatLon(pl.lat, pl.lon); err != nil {
		return nil, reject(CodeInvalidCoordinate, err.Error())
	}
	return pl, nil
}

// verifySignature rebuilds the signable message for the payload version
// and checks the recovered signer against the claimed account.
func (p *Pipeline) verifySignature(pl *parsed, sub *models.ProofSubmission) error {
	sig, err := wallet.ParseSignature(sub.Signature)
	if err != nil {
		return reject(CodeBadSignature, err.Error())
	}

	var message []byte
	if pl.version == models.ProofVersionV1 {
		message = wallet.V1Message(pl.lat, pl.lon, pl.triangleID, pl.timestamp)
	} else {
		if message, err = wallet.Canonicalize(sub.Payload); err != nil {
			return reject(CodeBadSignature, err.Error())
		}
	}

	if err := wallet.VerifyMessage(message, sig, pl.account); err != nil {
		return reject(CodeBadSignature, err.Error())
	}
	return nil
}
