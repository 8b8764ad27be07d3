package anchoring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
)

// SQLStore keeps the anchors table.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const anchorsSchema = `
CREATE TABLE IF NOT EXISTS anchors (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	merkle_root TEXT,
	first_event_id BIGINT,
	last_event_id BIGINT,
	event_count INTEGER NOT NULL DEFAULT 0,
	window_start TEXT NOT NULL,
	window_end TEXT NOT NULL,
	network TEXT NOT NULL,
	chain_id TEXT NOT NULL,
	tx_hash TEXT,
	block_number BIGINT,
	receipt_ref TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	confirmed_at TEXT,
	superseded_by TEXT
);
CREATE INDEX IF NOT EXISTS anchors_status_created ON anchors (status, created_at);
CREATE INDEX IF NOT EXISTS anchors_event_range ON anchors (first_event_id, last_event_id)
`

func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(anchorsSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("anchoring: init schema: %w", err)
		}
	}
	return nil
}

const anchorColumns = `id, status, merkle_root, first_event_id, last_event_id, event_count, window_start, window_end,
	network, chain_id, tx_hash, block_number, receipt_ref, error, created_at, updated_at, confirmed_at, superseded_by`

func (s *SQLStore) Create(ctx context.Context, a Anchor) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO anchors (`+anchorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, string(a.Status), nullStr(a.MerkleRoot), nullInt(a.FirstEventID), nullInt(a.LastEventID), a.EventCount,
		database.FormatTime(a.WindowStart), database.FormatTime(a.WindowEnd), a.Network, a.ChainID,
		nullStr(a.TxHash), nullInt(a.BlockNumber), nullStr(a.ReceiptRef), nullStr(a.Error),
		database.FormatTime(a.CreatedAt), database.FormatTime(a.UpdatedAt), database.NullTime(a.ConfirmedAt),
		nullStr(a.SupersededBy))
	return err
}

func (s *SQLStore) Update(ctx context.Context, a Anchor, from Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE anchors SET status = $1, tx_hash = $2, block_number = $3,
			receipt_ref = $4, error = $5, updated_at = $6, confirmed_at = $7
		WHERE id = $8 AND status = $9`,
		string(a.Status), nullStr(a.TxHash), nullInt(a.BlockNumber), nullStr(a.ReceiptRef), nullStr(a.Error),
		database.FormatTime(a.UpdatedAt), database.NullTime(a.ConfirmedAt), a.ID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, a.ID); err != nil {
		return err
	}
	return errStale
}

func (s *SQLStore) Get(ctx context.Context, id string) (Anchor, error) {
	a, err := s.one(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE id = $1`, id)
	if err != nil {
		return Anchor{}, err
	}
	if a == nil {
		return Anchor{}, ErrNotFound
	}
	return *a, nil
}

func (s *SQLStore) Latest(ctx context.Context) (*Anchor, error) {
	return s.one(ctx, `SELECT `+anchorColumns+` FROM anchors ORDER BY created_at DESC, id DESC LIMIT 1`)
}

func (s *SQLStore) LastCoveredEventID(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(last_event_id) FROM anchors WHERE status IN ('pending', 'confirmed')`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

func (s *SQLStore) OldestOpenFailure(ctx context.Context) (*Anchor, error) {
	return s.one(ctx, `SELECT `+anchorColumns+` FROM anchors
		WHERE status = 'failed' AND superseded_by IS NULL AND first_event_id IS NOT NULL
		ORDER BY first_event_id ASC LIMIT 1`)
}

func (s *SQLStore) Supersede(ctx context.Context, fromEventID int64, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE anchors SET superseded_by = $1
		WHERE status = 'failed' AND superseded_by IS NULL AND first_event_id >= $2`, id, fromEventID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) ListPending(ctx context.Context) ([]Anchor, error) {
	return s.many(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE status = 'pending' ORDER BY created_at ASC`)
}

func (s *SQLStore) ListSince(ctx context.Context, t time.Time) ([]Anchor, error) {
	return s.many(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE created_at >= $1 ORDER BY created_at ASC`,
		database.FormatTime(t))
}

func (s *SQLStore) LastConfirmed(ctx context.Context) (*Anchor, error) {
	return s.one(ctx, `SELECT `+anchorColumns+` FROM anchors
		WHERE status = 'confirmed' AND confirmed_at IS NOT NULL ORDER BY confirmed_at DESC LIMIT 1`)
}

func (s *SQLStore) Covering(ctx context.Context, eventID int64) (*Anchor, error) {
	return s.one(ctx, `SELECT `+anchorColumns+` FROM anchors
		WHERE first_event_id <= $1 AND last_event_id >= $1
		ORDER BY CASE status WHEN 'confirmed' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END, created_at DESC
		LIMIT 1`, eventID)
}

func (s *SQLStore) one(ctx context.Context, q string, args ...any) (*Anchor, error) {
	a, err := scanAnchor(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) many(ctx context.Context, q string, args ...any) ([]Anchor, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row rowScanner) (Anchor, error) {
	var a Anchor
	var status, wStart, wEnd, created, updated string
	var root, tx, receipt, errText, confirmed, superseded sql.NullString
	var first, last, block sql.NullInt64
	if err := row.Scan(&a.ID, &status, &root, &first, &last, &a.EventCount, &wStart, &wEnd,
		&a.Network, &a.ChainID, &tx, &block, &receipt, &errText, &created, &updated, &confirmed, &superseded); err != nil {
		return Anchor{}, err
	}
	a.Status = Status(status)
	a.MerkleRoot = fromNullStr(root)
	a.TxHash = fromNullStr(tx)
	a.ReceiptRef = fromNullStr(receipt)
	a.Error = fromNullStr(errText)
	a.SupersededBy = fromNullStr(superseded)
	a.FirstEventID = fromNullInt(first)
	a.LastEventID = fromNullInt(last)
	a.BlockNumber = fromNullInt(block)

	var err error
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&a.WindowStart, wStart}, {&a.WindowEnd, wEnd}, {&a.CreatedAt, created}, {&a.UpdatedAt, updated}} {
		if *f.dst, err = database.ParseTime(f.src); err != nil {
			return Anchor{}, err
		}
	}
	if a.ConfirmedAt, err = database.ScanTime(confirmed); err != nil {
		return Anchor{}, err
	}
	return a, nil
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
