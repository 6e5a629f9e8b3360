package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"

	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepprotocol/step-engine/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production backend built on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("Successfully connected to PostgreSQL for STEP Mesh Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema migrations.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("STEP Mesh Schema initialized")
	return nil
}

// isUniqueViolation matches the 23505 the replay-defense index raises.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return constraint == "" || pgErr.ConstraintName == constraint
	}
	return false
}

const triangleColumns = `id, face, level, path_encoded, parent_id, children_ids, state, clicks,
	moratorium_start_at, last_click_at, centroid_lon, centroid_lat, polygon, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTriangle(row rowScanner) (*models.TriangleRecord, error) {
	var (
		rec         models.TriangleRecord
		parentID    *string
		lastClickAt *int64
		polygonRaw  []byte
	)
	err := row.Scan(&rec.ID, &rec.Face, &rec.Level, &rec.PathEncoded, &parentID,
		&rec.ChildrenIDs, &rec.State, &rec.Clicks, &rec.MoratoriumStartAt,
		&lastClickAt, &rec.Centroid.Coordinates[0], &rec.Centroid.Coordinates[1],
		&polygonRaw, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.Centroid.Type = "Point"
	if parentID != nil {
		rec.ParentID = *parentID
	}
	if lastClickAt != nil {
		rec.LastClickAt = *lastClickAt
	}
	if len(polygonRaw) > 0 {
		var poly models.GeoPolygon
		if err := json.Unmarshal(polygonRaw, &poly); err != nil {
			return nil, fmt.Errorf("corrupt polygon for %s: %w", rec.ID, err)
		}
		rec.Polygon = &poly
	}
	return &rec, nil
}

func insertTriangleTx(ctx context.Context, tx pgx.Tx, rec *models.TriangleRecord) error {
	polygonJSON, err := json.Marshal(rec.Polygon)
	if err != nil {
		return err
	}
	var parentID *string
	if rec.ParentID != "" {
		parentID = &rec.ParentID
	}
	children := rec.ChildrenIDs
	if children == nil {
		children = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO triangles (`+triangleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO NOTHING;
	`, rec.ID, rec.Face, rec.Level, rec.PathEncoded, parentID, children,
		rec.State, rec.Clicks, rec.MoratoriumStartAt, nullableMs(rec.LastClickAt),
		rec.Centroid.Coordinates[0], rec.Centroid.Coordinates[1], polygonJSON,
		rec.CreatedAt, rec.UpdatedAt, rec.Version)
	return err
}

func nullableMs(ms int64) *int64 {
	if ms == 0 {
		return nil
	}
	return &ms
}

// GetOrCreateTriangle upserts with on-conflict do-nothing, appends the
// create event only when this caller won the insert, then reads back.
func (s *PostgresStore) GetOrCreateTriangle(ctx context.Context, rec *models.TriangleRecord) (*models.TriangleRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	polygonJSON, err := json.Marshal(rec.Polygon)
	if err != nil {
		return nil, err
	}
	var parentID *string
	if rec.ParentID != "" {
		parentID = &rec.ParentID
	}
	var inserted bool
	err = tx.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO triangles (`+triangleColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL,$10,$11,$12,$13,$14,0)
			ON CONFLICT (id) DO NOTHING
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM ins);
	`, rec.ID, rec.Face, rec.Level, rec.PathEncoded, parentID, []string{},
		rec.State, rec.Clicks, rec.MoratoriumStartAt,
		rec.Centroid.Coordinates[0], rec.Centroid.Coordinates[1], polygonJSON,
		rec.CreatedAt, rec.UpdatedAt).Scan(&inserted)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert triangle: %w", err)
	}

	if inserted {
		_, err = tx.Exec(ctx, `
			INSERT INTO triangle_events (id, triangle_id, event_type, ts)
			VALUES ($1, $2, 'create', $3);
		`, newEventID(), rec.ID, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to append create event: %w", err)
		}
	}

	row := tx.QueryRow(ctx, `SELECT `+triangleColumns+` FROM triangles WHERE id = $1;`, rec.ID)
	stored, err := scanTriangle(row)
	if err != nil {
		return nil, err
	}
	return stored, tx.Commit(ctx)
}

func (s *PostgresStore) GetTriangle(ctx context.Context, id string) (*models.TriangleRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+triangleColumns+` FROM triangles WHERE id = $1;`, id)
	rec, err := scanTriangle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) queryTriangles(ctx context.Context, sql string, args ...any) ([]*models.TriangleRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TriangleRecord
	for rows.Next() {
		rec, err := scanTriangle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if out == nil {
		out = []*models.TriangleRecord{}
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryBbox(ctx context.Context, box Bbox, level, max int) ([]*models.TriangleRecord, error) {
	return s.queryTriangles(ctx, `
		SELECT `+triangleColumns+` FROM triangles
		WHERE level = $1
		  AND centroid_lon BETWEEN $2 AND $3
		  AND centroid_lat BETWEEN $4 AND $5
		ORDER BY id
		LIMIT $6;
	`, level, box.MinLon, box.MaxLon, box.MinLat, box.MaxLat, max)
}

func (s *PostgresStore) QueryActive(ctx context.Context, level, max int) ([]*models.TriangleRecord, error) {
	return s.queryTriangles(ctx, `
		SELECT `+triangleColumns+` FROM triangles
		WHERE level = $1
		  AND state IN ('active', 'partially_mined')
		  AND clicks > 0
		ORDER BY id
		LIMIT $2;
	`, level, max)
}

func (s *PostgresStore) HasNonce(ctx context.Context, account, nonce string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM triangle_events
			WHERE event_type = 'click' AND account = $1 AND nonce = $2
		);
	`, strings.ToLower(account), nonce).Scan(&exists)
	return exists, err
}

const eventColumns = `id, triangle_id, event_type, ts, account, nonce, signature, from_state, to_state, payload`

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev         models.Event
		account    *string
		nonce      *string
		signature  *string
		fromState  *string
		toState    *string
		payloadRaw []byte
	)
	err := row.Scan(&ev.ID, &ev.TriangleID, &ev.Type, &ev.Timestamp,
		&account, &nonce, &signature, &fromState, &toState, &payloadRaw)
	if err != nil {
		return nil, err
	}
	if account != nil {
		ev.Account = *account
	}
	if nonce != nil {
		ev.Nonce = *nonce
	}
	if signature != nil {
		ev.Signature = *signature
	}
	if fromState != nil {
		ev.FromState = *fromState
	}
	if toState != nil {
		ev.ToState = *toState
	}
	if len(payloadRaw) > 0 {
		var click models.ClickPayload
		if err := json.Unmarshal(payloadRaw, &click); err != nil {
			return nil, fmt.Errorf("corrupt event payload %s: %w", ev.ID, err)
		}
		ev.Click = &click
	}
	return &ev, nil
}

func (s *PostgresStore) LastClick(ctx context.Context, account string) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM triangle_events
		WHERE event_type = 'click' AND account = $1
		ORDER BY ts DESC
		LIMIT 1;
	`, strings.ToLower(account))
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *PostgresStore) EventsByTriangle(ctx context.Context, id string, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM triangle_events
		WHERE triangle_id = $1
		ORDER BY ts DESC
		LIMIT $2;
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if out == nil {
		out = []*models.Event{}
	}
	return out, rows.Err()
}

// ApplyClick runs the whole transactional scope: CAS update of the
// triangle, children inserts, event appends (the unique nonce index can
// still reject here — that rolls everything back), and the balance credit.
func (s *PostgresStore) ApplyClick(ctx context.Context, txn *ClickTxn) (*big.Int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec := txn.Triangle
	var parentID *string
	if rec.ParentID != "" {
		parentID = &rec.ParentID
	}
	children := rec.ChildrenIDs
	if children == nil {
		children = []string{}
	}
	tag, err := tx.Exec(ctx, `
		UPDATE triangles
		SET state = $1, clicks = $2, children_ids = $3, last_click_at = $4,
		    parent_id = $5, updated_at = $6, version = version + 1
		WHERE id = $7 AND version = $8;
	`, rec.State, rec.Clicks, children, nullableMs(rec.LastClickAt),
		parentID, rec.UpdatedAt, rec.ID, rec.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update triangle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}

	for _, child := range txn.Children {
		if err := insertTriangleTx(ctx, tx, child); err != nil {
			return nil, fmt.Errorf("failed to insert child %s: %w", child.ID, err)
		}
	}

	for _, ev := range txn.Events {
		var payloadJSON []byte
		if ev.Click != nil {
			if payloadJSON, err = json.Marshal(ev.Click); err != nil {
				return nil, err
			}
		}
		var account, nonce, signature *string
		if ev.Type == models.EventClick {
			lower := strings.ToLower(ev.Account)
			account, nonce, signature = &lower, &ev.Nonce, &ev.Signature
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO triangle_events
			(id, triangle_id, event_type, ts, account, nonce, signature, from_state, to_state, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);
		`, ev.ID, ev.TriangleID, ev.Type, ev.Timestamp, account, nonce, signature,
			nullableStr(ev.FromState), nullableStr(ev.ToState), payloadJSON)
		if err != nil {
			if isUniqueViolation(err, "uq_click_account_nonce") {
				return nil, ErrDuplicateNonce
			}
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	var balanceStr string
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (address, balance, nonce, created_at, updated_at)
		VALUES ($1, $2::numeric, 0, $3, $3)
		ON CONFLICT (address) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance::text;
	`, strings.ToLower(txn.Account), txn.Reward.String(), rec.UpdatedAt).Scan(&balanceStr)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance %q", balanceStr)
	}
	return balance, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) GetAccount(ctx context.Context, address string) (*models.Account, error) {
	var acct models.Account
	var balanceStr string
	err := s.pool.QueryRow(ctx, `
		SELECT address, balance::text, nonce, created_at, updated_at
		FROM accounts WHERE address = $1;
	`, strings.ToLower(address)).Scan(&acct.Address, &balanceStr, &acct.Nonce, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Balance = balanceStr
	return &acct, nil
}

func (s *PostgresStore) Debit(ctx context.Context, address string, amount *big.Int) (*big.Int, error) {
	var balanceStr string
	err := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance - $2::numeric
		WHERE address = $1 AND balance >= $2::numeric
		RETURNING balance::text;
	`, strings.ToLower(address), amount.String()).Scan(&balanceStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, err
	}
	balance, _ := new(big.Int).SetString(balanceStr, 10)
	return balance, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (models.StateSummary, error) {
	var sum models.StateSummary
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM triangles),
			(SELECT COUNT(*) FROM triangles WHERE state = 'subdivided'),
			(SELECT COUNT(*) FROM triangle_events),
			(SELECT COUNT(*) FROM accounts),
			(SELECT COALESCE(SUM(clicks), 0) FROM triangles);
	`).Scan(&sum.TriangleCount, &sum.SubdividedCount, &sum.EventCount, &sum.AccountCount, &sum.TotalClicks)
	return sum, err
}

// GetPool exposes the connection pool for subsystems that need raw access.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
