package signing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
)

// SQLMetadataStore keeps signing_keys in the relational store. A partial
// unique index allows a single active row.
type SQLMetadataStore struct {
	db *database.DB
}

func NewSQLMetadataStore(db *database.DB) *SQLMetadataStore {
	return &SQLMetadataStore{db: db}
}

const keysSchema = `
CREATE TABLE IF NOT EXISTS signing_keys (
	key_id TEXT PRIMARY KEY,
	algorithm TEXT NOT NULL,
	public_key TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	archived_at TEXT,
	revoked_at TEXT,
	revocation_reason TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS signing_keys_single_active ON signing_keys (status) WHERE status = 'active'
`

func (s *SQLMetadataStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(keysSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("signing: init schema: %w", err)
		}
	}
	return nil
}

const keyColumns = `key_id, algorithm, public_key, status, created_at, archived_at, revoked_at, revocation_reason`

func (s *SQLMetadataStore) Active(ctx context.Context) (*KeyRecord, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE status = 'active'`))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLMetadataStore) Get(ctx context.Context, keyID string) (KeyRecord, error) {
	return scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE key_id = $1`, keyID))
}

func (s *SQLMetadataStore) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at ASC, key_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []KeyRecord
	for rows.Next() {
		k, err := scanKeyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLMetadataStore) Activate(ctx context.Context, expectedActive string, next KeyRecord, at time.Time) error {
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if expectedActive != "" {
			res, err := tx.ExecContext(ctx,
				`UPDATE signing_keys SET status = 'archived', archived_at = $1 WHERE key_id = $2 AND status = 'active'`,
				database.FormatTime(at), expectedActive)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return ErrStaleActiveKey
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO signing_keys (key_id, algorithm, public_key, status, created_at) VALUES ($1, $2, $3, 'active', $4)`,
			next.KeyID, string(next.Algorithm), next.PublicKey, database.FormatTime(next.CreatedAt))
		return err
	})
	if database.IsUniqueViolation(err) {
		return ErrStaleActiveKey
	}
	return err
}

func (s *SQLMetadataStore) Revoke(ctx context.Context, keyID, reason string, at time.Time) (KeyRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signing_keys SET status = 'revoked', revoked_at = $1, revocation_reason = $2 WHERE key_id = $3 AND status = 'archived'`,
		database.FormatTime(at), reason, keyID)
	if err != nil {
		return KeyRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.Get(ctx, keyID)
	}

	k, err := s.Get(ctx, keyID)
	if err != nil {
		return KeyRecord{}, err
	}
	switch k.Status {
	case StatusActive:
		return KeyRecord{}, ErrActiveKeyRevocation
	case StatusRevoked:
		return KeyRecord{}, ErrKeyRevoked
	}
	return KeyRecord{}, fmt.Errorf("signing: key %s in unexpected status %q", keyID, k.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (KeyRecord, error) {
	k, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KeyRecord{}, ErrKeyNotFound
	}
	return k, err
}

func scanKeyRow(r rowScanner) (KeyRecord, error) {
	var k KeyRecord
	var alg, status, created string
	var archived, revoked, reason sql.NullString
	if err := r.Scan(&k.KeyID, &alg, &k.PublicKey, &status, &created, &archived, &revoked, &reason); err != nil {
		return KeyRecord{}, err
	}
	k.Algorithm = Algorithm(alg)
	k.Status = KeyStatus(status)
	var err error
	if k.CreatedAt, err = database.ParseTime(created); err != nil {
		return KeyRecord{}, err
	}
	if k.ArchivedAt, err = database.ScanTime(archived); err != nil {
		return KeyRecord{}, err
	}
	if k.RevokedAt, err = database.ScanTime(revoked); err != nil {
		return KeyRecord{}, err
	}
	if reason.Valid {
		why := reason.String
		k.RevocationReason = &why
	}
	return k, nil
}
