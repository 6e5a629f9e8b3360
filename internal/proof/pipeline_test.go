package proof

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"

	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/internal/mesh"
	"github.com/stepprotocol/step-engine/internal/store"
	"github.com/stepprotocol/step-engine/internal/wallet"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// Scenario fixtures: a fresh in-memory store, a deterministic clock, and
// a signer per account.

var baseTime = time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC)

type signer struct {
	key     *secp256k1.PrivateKey
	account string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &signer{key: key, account: wallet.PubkeyToAddress(key.PubKey())}
}

// signHex produces the hex r‖s‖v signature over an EIP-191-framed message.
func (s *signer) signHex(message []byte) string {
	compact := ecdsa.SignCompact(s.key, wallet.EIP191Hash(message), false)
	rsv := make([]byte, 65)
	copy(rsv, compact[1:])
	rsv[64] = compact[0] - 27
	return hex.EncodeToString(rsv)
}

// v1Submission builds a signed legacy proof for the triangle containing
// (lat, lon) at level 10.
func (s *signer) v1Submission(t *testing.T, lat, lon, accuracy float64, ts time.Time, nonce string) (*models.ProofSubmission, string) {
	t.Helper()
	tri, err := mesh.PointToTriangle(lat, lon, 10)
	if err != nil {
		t.Fatal(err)
	}
	return s.v1SubmissionFor(t, tri.ID.Encode(), lat, lon, accuracy, ts, nonce), tri.ID.Encode()
}

func (s *signer) v1SubmissionFor(t *testing.T, triangleID string, lat, lon, accuracy float64, ts time.Time, nonce string) *models.ProofSubmission {
	t.Helper()
	tsStr := ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	payload := models.ProofPayloadV1{
		Version:    models.ProofVersionV1,
		Account:    s.account,
		TriangleID: triangleID,
		Lat:        lat,
		Lon:        lon,
		Accuracy:   accuracy,
		Timestamp:  tsStr,
		Nonce:      nonce,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &models.ProofSubmission{
		Payload:   raw,
		Signature: s.signHex(wallet.V1Message(lat, lon, triangleID, tsStr)),
	}
}

// v2Submission builds a signed canonical-JSON proof.
func (s *signer) v2Submission(t *testing.T, lat, lon, accuracy float64, ts time.Time, nonce string) (*models.ProofSubmission, string) {
	t.Helper()
	tri, err := mesh.PointToTriangle(lat, lon, 10)
	if err != nil {
		t.Fatal(err)
	}
	payload := models.ProofPayloadV2{
		Version:    models.ProofVersionV2,
		Account:    s.account,
		TriangleID: tri.ID.Encode(),
		Location:   models.Location{Lat: lat, Lon: lon, Accuracy: accuracy},
		Gnss: &models.GnssBlock{RawAvailable: true, Satellites: []models.Satellite{
			{Svid: 1, Cn0: 32, Constellation: "GPS"},
			{Svid: 7, Cn0: 41, Constellation: "GPS"},
			{Svid: 12, Cn0: 45, Constellation: "GLONASS"},
			{Svid: 23, Cn0: 36, Constellation: "GALILEO"},
		}},
		Cell:        &models.CellBlock{Mcc: 216, Mnc: 30, CellID: 187423},
		Device:      models.DeviceBlock{Model: "Pixel 9", OS: "android", AppVersion: "1.4.2"},
		Attestation: "MOCK_ATTESTATION_TEST",
		Timestamp:   ts.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Nonce:       nonce,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	canonical, err := wallet.Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	return &models.ProofSubmission{
		Payload:   raw,
		Signature: s.signHex(canonical),
	}, tri.ID.Encode()
}

func newTestPipeline(clock time.Time) (*Pipeline, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	p := New(config.Default(), ms, MockAttestationVerifier{},
		WithClock(func() time.Time { return clock }))
	return p, ms
}

// S1 — happy path (v1).
func TestSubmitHappyPathV1(t *testing.T) {
	p, ms := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	sub, triangleID := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	resp := p.Submit(ctx, sub)
	if !resp.OK {
		t.Fatalf("happy path rejected: %s %v", resp.Error, resp.Reasons)
	}
	if resp.Confidence < 50 {
		t.Errorf("confidence = %d, want ≥ 50", resp.Confidence)
	}
	// Level-10 reward: base / 2^9.
	if resp.Reward != "1953125000000000" {
		t.Errorf("reward = %s, want base/512", resp.Reward)
	}
	if resp.Balance != "1953125000000000" {
		t.Errorf("balance = %s, want the first reward", resp.Balance)
	}

	rec, err := ms.GetTriangle(ctx, triangleID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Clicks != 1 || rec.State != models.StateActive {
		t.Errorf("triangle after first click: clicks=%d state=%s", rec.Clicks, rec.State)
	}

	events, _ := ms.EventsByTriangle(ctx, triangleID, 50)
	clicks := 0
	for _, ev := range events {
		if ev.Type == models.EventClick {
			clicks++
			if !wallet.SameAddress(ev.Account, s.account) {
				t.Errorf("click event account = %s", ev.Account)
			}
		}
	}
	if clicks != 1 {
		t.Errorf("click events = %d, want 1", clicks)
	}
}

// S2 — replaying the exact payload+signature consumes nothing.
func TestSubmitReplayedNonce(t *testing.T) {
	p, ms := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	sub, triangleID := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, sub); !resp.OK {
		t.Fatalf("setup click rejected: %s", resp.Error)
	}

	resp := p.Submit(ctx, sub)
	if resp.OK || resp.Error != CodeReplayedNonce {
		t.Fatalf("replay outcome: ok=%v error=%s", resp.OK, resp.Error)
	}

	rec, _ := ms.GetTriangle(ctx, triangleID)
	if rec.Clicks != 1 {
		t.Errorf("clicks moved on replay: %d", rec.Clicks)
	}
	acct, _ := ms.GetAccount(ctx, s.account)
	if acct.Balance != "1953125000000000" {
		t.Errorf("balance moved on replay: %s", acct.Balance)
	}
}

// S3 — 11 km in 100 ms is rejected by the speed gate.
func TestSubmitTooFast(t *testing.T) {
	p, ms := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	first, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, first); !resp.OK {
		t.Fatalf("setup click rejected: %s", resp.Error)
	}

	fast, farID := s.v1Submission(t, 47.5979, 19.0402, 10, baseTime.Add(100*time.Millisecond), uuid.NewString())
	resp := p.Submit(ctx, fast)
	if resp.OK || resp.Error != CodeTooFast {
		t.Fatalf("speed violation outcome: ok=%v error=%s reasons=%v", resp.OK, resp.Error, resp.Reasons)
	}

	// No event, no credit for the rejected proof.
	rec, err := ms.GetTriangle(ctx, farID)
	if err == nil && rec.Clicks != 0 {
		t.Errorf("rejected proof credited clicks: %d", rec.Clicks)
	}
	acct, _ := ms.GetAccount(ctx, s.account)
	if acct.Balance != "1953125000000000" {
		t.Errorf("rejected proof moved the balance: %s", acct.Balance)
	}
}

// S4 — the second click at the threshold subdivides into four pending
// children.
func TestSubmitSubdivision(t *testing.T) {
	p, ms := newTestPipeline(baseTime.Add(time.Minute))
	s := newSigner(t)
	ctx := context.Background()

	first, triangleID := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, first); !resp.OK {
		t.Fatalf("first click rejected: %s", resp.Error)
	}
	second, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(15*time.Second), uuid.NewString())
	if resp := p.Submit(ctx, second); !resp.OK {
		t.Fatalf("second click rejected: %s %v", resp.Error, resp.Reasons)
	}

	rec, err := ms.GetTriangle(ctx, triangleID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != models.StateSubdivided {
		t.Errorf("state = %s, want subdivided", rec.State)
	}
	if len(rec.ChildrenIDs) != 4 {
		t.Fatalf("children = %d, want 4", len(rec.ChildrenIDs))
	}
	for _, childID := range rec.ChildrenIDs {
		child, err := ms.GetTriangle(ctx, childID)
		if err != nil {
			t.Fatalf("child %s not materialized: %v", childID, err)
		}
		if child.State != models.StatePending {
			t.Errorf("child %s state = %s, want pending", childID, child.State)
		}
		if child.ParentID != triangleID {
			t.Errorf("child %s parent = %s", childID, child.ParentID)
		}
	}

	events, _ := ms.EventsByTriangle(ctx, triangleID, 50)
	subdivides := 0
	for _, ev := range events {
		if ev.Type == models.EventSubdivide {
			subdivides++
		}
	}
	if subdivides != 1 {
		t.Errorf("subdivide events = %d, want 1", subdivides)
	}

	// A third click on the subdivided parent is refused.
	third, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(30*time.Second), uuid.NewString())
	resp := p.Submit(ctx, third)
	if resp.OK || resp.Error != CodeTriangleSubdivided {
		t.Errorf("click on subdivided parent: ok=%v error=%s", resp.OK, resp.Error)
	}
}

// S5 — a valid signature for triangle X with coordinates outside X.
func TestSubmitOutOfTriangle(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	tri, err := mesh.PointToTriangle(47.4979, 19.0402, 10)
	if err != nil {
		t.Fatal(err)
	}
	sub := s.v1SubmissionFor(t, tri.ID.Encode(), 10.0, -30.0, 15, baseTime, uuid.NewString())
	resp := p.Submit(ctx, sub)
	if resp.OK || resp.Error != CodeOutOfTriangle {
		t.Fatalf("out-of-triangle outcome: ok=%v error=%s", resp.OK, resp.Error)
	}
}

// S6 — one flipped signature byte fails without consuming the nonce.
func TestSubmitBadSignatureDoesNotBurnNonce(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	sub, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())

	tampered := &models.ProofSubmission{Payload: sub.Payload, Signature: sub.Signature}
	raw, _ := hex.DecodeString(sub.Signature)
	raw[3] ^= 0x01
	tampered.Signature = hex.EncodeToString(raw)

	resp := p.Submit(ctx, tampered)
	if resp.OK || resp.Error != CodeBadSignature {
		t.Fatalf("tampered signature outcome: ok=%v error=%s", resp.OK, resp.Error)
	}

	// The original still succeeds: the nonce was not consumed.
	if resp := p.Submit(ctx, sub); !resp.OK {
		t.Errorf("original submission failed after a bad-signature attempt: %s", resp.Error)
	}
}

func TestSubmitV2WithEvidence(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	sub, _ := s.v2Submission(t, 47.4979, 19.0402, 8, baseTime, uuid.NewString())
	resp := p.Submit(ctx, sub)
	if !resp.OK {
		t.Fatalf("v2 submission rejected: %s %v", resp.Error, resp.Reasons)
	}
	// All evidence present: signature 20 + gps 15 + speed 10 +
	// moratorium 5 + attestation 25 + gnss 15 + cell 10 = 100.
	if resp.Confidence != 100 {
		t.Errorf("confidence = %d, want 100", resp.Confidence)
	}
	if resp.ConfidenceLevel != "Very High Confidence" {
		t.Errorf("level = %q", resp.ConfidenceLevel)
	}
	if resp.Scores == nil || resp.Scores.Attestation != 25 || resp.Scores.GnssRaw != 15 {
		t.Errorf("score breakdown: %+v", resp.Scores)
	}
}

func TestSubmitMoratorium(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(time.Minute))
	s := newSigner(t)
	ctx := context.Background()

	first, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, first); !resp.OK {
		t.Fatalf("setup click rejected: %s", resp.Error)
	}

	// 5 s later, essentially stationary: under the 10 s moratorium.
	early, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(5*time.Second), uuid.NewString())
	resp := p.Submit(ctx, early)
	if resp.OK || resp.Error != CodeMoratorium {
		t.Fatalf("moratorium outcome: ok=%v error=%s", resp.OK, resp.Error)
	}

	// Exactly at the moratorium: accepted.
	atLimit, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(10*time.Second), uuid.NewString())
	if resp := p.Submit(ctx, atLimit); !resp.OK {
		t.Errorf("Δt exactly at the moratorium rejected: %s %v", resp.Error, resp.Reasons)
	}
}

func TestSubmitLowGpsAccuracy(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	// One meter above the ceiling.
	sub, _ := s.v1Submission(t, 47.4979, 19.0402, 51, baseTime, uuid.NewString())
	resp := p.Submit(ctx, sub)
	if resp.OK || resp.Error != CodeLowGpsAccuracy {
		t.Fatalf("accuracy outcome: ok=%v error=%s", resp.OK, resp.Error)
	}
	// The breakdown is still reported on the soft failure.
	if resp.Scores == nil {
		t.Error("no score breakdown on a gate failure")
	}

	// Exactly at the ceiling: accepted.
	ok, _ := s.v1Submission(t, 47.4979, 19.0402, 50, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, ok); !resp.OK {
		t.Errorf("accuracy at the ceiling rejected: %s", resp.Error)
	}
}

func TestSubmitTimestampGates(t *testing.T) {
	p, _ := newTestPipeline(baseTime.Add(time.Minute))
	s := newSigner(t)
	ctx := context.Background()

	first, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())
	if resp := p.Submit(ctx, first); !resp.OK {
		t.Fatalf("setup click rejected: %s", resp.Error)
	}

	// Two minutes behind the last click: drift-tolerated, moratorium fail.
	drift, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(-120*time.Second), uuid.NewString())
	resp := p.Submit(ctx, drift)
	if resp.Error != CodeMoratorium {
		t.Errorf("delta at -tolerance: error=%s, want Moratorium", resp.Error)
	}

	// One millisecond past the tolerance: the clock went backwards.
	back, _ := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime.Add(-120*time.Second-time.Millisecond), uuid.NewString())
	resp = p.Submit(ctx, back)
	if resp.Error != CodeTimeWentBackwards {
		t.Errorf("delta below -tolerance: error=%s, want TimeWentBackwards", resp.Error)
	}

	// Unparseable timestamp: rejected before any gate runs.
	tri, err := mesh.PointToTriangle(47.4979, 19.0402, 10)
	if err != nil {
		t.Fatal(err)
	}
	payload := models.ProofPayloadV1{
		Version:    models.ProofVersionV1,
		Account:    s.account,
		TriangleID: tri.ID.Encode(),
		Lat:        47.4979,
		Lon:        19.0402,
		Accuracy:   10,
		Timestamp:  "yesterday-ish",
		Nonce:      uuid.NewString(),
	}
	raw, _ := json.Marshal(payload)
	junk := &models.ProofSubmission{
		Payload:   raw,
		Signature: s.signHex(wallet.V1Message(47.4979, 19.0402, tri.ID.Encode(), "yesterday-ish")),
	}
	resp = p.Submit(ctx, junk)
	if resp.Error != CodeInvalidTimestamp {
		t.Errorf("unparseable timestamp: error=%s, want InvalidTimestamp", resp.Error)
	}
}

func TestSubmitUnknownVersion(t *testing.T) {
	p, _ := newTestPipeline(baseTime)
	resp := p.Submit(context.Background(), &models.ProofSubmission{
		Payload:   json.RawMessage(`{"version":"STEP-PROOF-v9"}`),
		Signature: "00",
	})
	if resp.OK || resp.Error != CodeBadSignature {
		t.Errorf("unknown version outcome: ok=%v error=%s", resp.OK, resp.Error)
	}
}

func TestSubmitConcurrentReplayExactlyOneWins(t *testing.T) {
	p, ms := newTestPipeline(baseTime.Add(30 * time.Second))
	s := newSigner(t)
	ctx := context.Background()

	sub, triangleID := s.v1Submission(t, 47.4979, 19.0402, 10, baseTime, uuid.NewString())

	const workers = 8
	results := make(chan *models.SubmitResponse, workers)
	for i := 0; i < workers; i++ {
		go func() {
			results <- p.Submit(ctx, sub)
		}()
	}

	var ok, replayed int
	for i := 0; i < workers; i++ {
		resp := <-results
		switch {
		case resp.OK:
			ok++
		case resp.Error == CodeReplayedNonce:
			replayed++
		default:
			t.Errorf("unexpected outcome: %s %v", resp.Error, resp.Reasons)
		}
	}
	if ok != 1 || replayed != workers-1 {
		t.Errorf("ok=%d replayed=%d, want exactly one winner", ok, replayed)
	}

	rec, _ := ms.GetTriangle(ctx, triangleID)
	if rec.Clicks != 1 {
		t.Errorf("clicks = %d after racing one nonce, want 1", rec.Clicks)
	}
}
