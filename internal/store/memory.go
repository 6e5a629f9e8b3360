package store

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/stepprotocol/step-engine/pkg/models"
)

// MemoryStore keeps the full state under one mutex. It backs the pipeline
// tests and the API-only dev mode (no DATABASE_URL). The single lock makes
// every ApplyClick trivially atomic, which is exactly the contract the
// PostgreSQL backend provides with transactions.
type MemoryStore struct {
	mu        sync.RWMutex
	triangles map[string]*models.TriangleRecord
	events    []*models.Event
	nonces    map[string]bool // account|nonce, click events only
	accounts  map[string]*memAccount
}

type memAccount struct {
	balance   *big.Int
	nonce     uint64
	createdAt int64
	updatedAt int64
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		triangles: make(map[string]*models.TriangleRecord),
		nonces:    make(map[string]bool),
		accounts:  make(map[string]*memAccount),
	}
}

func nonceKey(account, nonce string) string {
	return strings.ToLower(account) + "|" + nonce
}

func cloneTriangle(r *models.TriangleRecord) *models.TriangleRecord {
	c := *r
	if r.ChildrenIDs != nil {
		c.ChildrenIDs = append([]string(nil), r.ChildrenIDs...)
	}
	return &c
}

func (s *MemoryStore) GetOrCreateTriangle(ctx context.Context, rec *models.TriangleRecord) (*models.TriangleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.triangles[rec.ID]; ok {
		return cloneTriangle(existing), nil
	}
	stored := cloneTriangle(rec)
	s.triangles[rec.ID] = stored
	s.events = append(s.events, &models.Event{
		ID:         newEventID(),
		TriangleID: rec.ID,
		Type:       models.EventCreate,
		Timestamp:  rec.CreatedAt,
	})
	return cloneTriangle(stored), nil
}

func (s *MemoryStore) GetTriangle(ctx context.Context, id string) (*models.TriangleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.triangles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTriangle(rec), nil
}

func (s *MemoryStore) QueryBbox(ctx context.Context, box Bbox, level, max int) ([]*models.TriangleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TriangleRecord
	for _, rec := range s.triangles {
		if rec.Level != level {
			continue
		}
		lon, lat := rec.Centroid.Coordinates[0], rec.Centroid.Coordinates[1]
		if box.Contains(lon, lat) {
			out = append(out, cloneTriangle(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryStore) QueryActive(ctx context.Context, level, max int) ([]*models.TriangleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TriangleRecord
	for _, rec := range s.triangles {
		if rec.Level != level || rec.Clicks == 0 {
			continue
		}
		if rec.State != models.StateActive && rec.State != models.StatePartiallyMined {
			continue
		}
		out = append(out, cloneTriangle(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryStore) HasNonce(ctx context.Context, account, nonce string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[nonceKey(account, nonce)], nil
}

func (s *MemoryStore) LastClick(ctx context.Context, account string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lower := strings.ToLower(account)
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Type == models.EventClick && strings.ToLower(ev.Account) == lower {
			copied := *ev
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EventsByTriangle(ctx context.Context, id string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].TriangleID == id {
			copied := *s.events[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyClick(ctx context.Context, txn *ClickTxn) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.triangles[txn.Triangle.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != txn.Triangle.Version {
		return nil, ErrVersionConflict
	}

	// Nonce check before any mutation: the whole scope is under one lock,
	// so reject-then-return leaves no partial state.
	for _, ev := range txn.Events {
		if ev.Type == models.EventClick && s.nonces[nonceKey(ev.Account, ev.Nonce)] {
			return nil, ErrDuplicateNonce
		}
	}

	updated := cloneTriangle(txn.Triangle)
	updated.Version = current.Version + 1
	s.triangles[updated.ID] = updated

	for _, child := range txn.Children {
		if _, exists := s.triangles[child.ID]; !exists {
			s.triangles[child.ID] = cloneTriangle(child)
		}
	}

	for _, ev := range txn.Events {
		copied := *ev
		s.events = append(s.events, &copied)
		if ev.Type == models.EventClick {
			s.nonces[nonceKey(ev.Account, ev.Nonce)] = true
		}
	}

	return s.creditLocked(txn.Account, txn.Reward, txn.Triangle.UpdatedAt), nil
}

// creditLocked mutates an account under the store lock, creating it on
// first credit with balance 0.
func (s *MemoryStore) creditLocked(address string, amount *big.Int, now int64) *big.Int {
	key := strings.ToLower(address)
	acct, ok := s.accounts[key]
	if !ok {
		acct = &memAccount{balance: new(big.Int), createdAt: now}
		s.accounts[key] = acct
	}
	acct.balance.Add(acct.balance, amount)
	acct.updatedAt = now
	return new(big.Int).Set(acct.balance)
}

func (s *MemoryStore) GetAccount(ctx context.Context, address string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.Account{
		Address:   address,
		Balance:   acct.balance.String(),
		Nonce:     acct.nonce,
		CreatedAt: acct.createdAt,
		UpdatedAt: acct.updatedAt,
	}, nil
}

func (s *MemoryStore) Debit(ctx context.Context, address string, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[strings.ToLower(address)]
	if !ok {
		return nil, ErrInsufficientBalance
	}
	next := new(big.Int).Sub(acct.balance, amount)
	if next.Sign() < 0 {
		return nil, ErrInsufficientBalance
	}
	acct.balance = next
	return new(big.Int).Set(next), nil
}

func (s *MemoryStore) Summary(ctx context.Context) (models.StateSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := models.StateSummary{
		TriangleCount: int64(len(s.triangles)),
		EventCount:    int64(len(s.events)),
		AccountCount:  int64(len(s.accounts)),
	}
	for _, rec := range s.triangles {
		sum.TotalClicks += int64(rec.Clicks)
		if rec.State == models.StateSubdivided {
			sum.SubdividedCount++
		}
	}
	return sum, nil
}

func (s *MemoryStore) Close() {}
