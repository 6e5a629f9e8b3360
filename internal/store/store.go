package store

import (
	"context"
	"errors"
	"math/big"

	"github.com/google/uuid"

	"github.com/stepprotocol/step-engine/pkg/models"
)

// newEventID mints the UUIDv4 key for an audit record.
func newEventID() string {
	return uuid.NewString()
}

// Storage Contract
//
// The pipeline talks to one Store interface; two backends implement it:
// PostgreSQL (production) and an in-memory map (tests and API-only dev
// mode). Both must provide the same guarantees:
//
//   - (account, nonce) uniqueness on click events is authoritative —
//     ApplyClick returns ErrDuplicateNonce when the index rejects, and
//     nothing else from that scope is visible afterwards.
//   - Per-triangle serialization via compare-and-swap on the record's
//     version counter (ErrVersionConflict → the pipeline retries).
//   - Triangle update + children insert + event append + balance credit
//     happen in one atomic scope. Partial commits never surface.

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateNonce is the storage-level replay rejection.
	ErrDuplicateNonce = errors.New("duplicate (account, nonce)")

	// ErrVersionConflict is a CAS miss on the triangle version counter.
	ErrVersionConflict = errors.New("triangle version conflict")

	// ErrInsufficientBalance rejects debits that would go negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Bbox is a lon/lat axis-aligned query window.
type Bbox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// Contains tests a centroid against the window.
func (b Bbox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// ClickTxn is the full atomic effect of one accepted proof: the mutated
// triangle (its Version field still holding the value observed before the
// mutation, for the CAS), optional pending children on subdivision, the
// balance credit, and the audit events (click event first).
type ClickTxn struct {
	Triangle *models.TriangleRecord
	Children []*models.TriangleRecord
	Account  string
	Reward   *big.Int
	Events   []*models.Event
}

// Store is the persistence surface the pipeline and API depend on.
type Store interface {
	// GetOrCreateTriangle inserts rec if its id is absent (on-conflict
	// do-nothing) and returns the stored record either way. Safe under
	// concurrent callers.
	GetOrCreateTriangle(ctx context.Context, rec *models.TriangleRecord) (*models.TriangleRecord, error)

	// GetTriangle returns ErrNotFound for unmaterialized ids.
	GetTriangle(ctx context.Context, id string) (*models.TriangleRecord, error)

	// QueryBbox returns triangles at the level whose centroid falls in the
	// window, capped at max.
	QueryBbox(ctx context.Context, box Bbox, level, max int) ([]*models.TriangleRecord, error)

	// QueryActive returns triangles at the level with clicks > 0 in state
	// active or partially_mined, capped at max.
	QueryActive(ctx context.Context, level, max int) ([]*models.TriangleRecord, error)

	// HasNonce reports whether a click event with (account, nonce) exists.
	HasNonce(ctx context.Context, account, nonce string) (bool, error)

	// LastClick returns the account's most recent click event, or
	// ErrNotFound when the account has no history.
	LastClick(ctx context.Context, account string) (*models.Event, error)

	// EventsByTriangle returns the triangle's audit trail, newest first.
	EventsByTriangle(ctx context.Context, id string, limit int) ([]*models.Event, error)

	// ApplyClick commits the transaction scope and returns the account's
	// post-credit balance. Fails with ErrDuplicateNonce or
	// ErrVersionConflict without any visible partial effect.
	ApplyClick(ctx context.Context, txn *ClickTxn) (*big.Int, error)

	// GetAccount returns ErrNotFound for addresses never credited.
	GetAccount(ctx context.Context, address string) (*models.Account, error)

	// Debit subtracts amount, failing with ErrInsufficientBalance when the
	// post-balance would be negative. Reserved for the transfer phase.
	Debit(ctx context.Context, address string, amount *big.Int) (*big.Int, error)

	// Summary returns the engine-wide counters.
	Summary(ctx context.Context) (models.StateSummary, error)

	// Close releases backend resources.
	Close()
}
