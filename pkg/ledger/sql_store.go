package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
)

// SQLStore persists events in ledger_events on Postgres or SQLite.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id %s,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	prev_hash TEXT,
	block_hash TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	actor_id TEXT,
	signature TEXT,
	signing_key_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_prev_hash_uq ON ledger_events ((COALESCE(prev_hash, '')));
CREATE INDEX IF NOT EXISTS ledger_events_created_at_idx ON ledger_events (created_at);
`

// Init creates the table. The unique index on prev_hash (genesis included)
// makes a forked tail impossible even if the lock is bypassed.
func (s *SQLStore) Init(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.Dialect == database.Postgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range strings.Split(fmt.Sprintf(ledgerSchema, idCol), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

const eventColumns = `id, event_type, payload_json, prev_hash, block_hash, created_at, actor_id, signature, signing_key_id`

func (s *SQLStore) Append(ctx context.Context, build BuildFunc) (Event, error) {
	var out Event
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.db.LockLedgerTail(ctx, tx); err != nil {
			return err
		}

		tail, err := scanOne(tx.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM ledger_events ORDER BY id DESC LIMIT 1`))
		var tailPtr *Event
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			tailPtr = &tail
		}

		ev, err := build(tailPtr)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO ledger_events (event_type, payload_json, prev_hash, block_hash, created_at, actor_id, signature, signing_key_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`
		if err := tx.QueryRowContext(ctx, query,
			string(ev.EventType), string(ev.Payload), nullable(ev.PrevHash), ev.BlockHash,
			ev.CreatedAt, nullable(ev.ActorID), nullable(ev.Signature), nullable(ev.SigningKeyID),
		).Scan(&ev.ID); err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (Event, error) {
	return scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE id = $1`, id))
}

func (s *SQLStore) Tail(ctx context.Context) (*Event, error) {
	ev, err := scanOne(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger_events ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SQLStore) List(ctx context.Context, q Query) ([]Event, error) {
	upTo := q.UpToID
	if upTo <= 0 {
		upTo = 1<<63 - 1
	}
	query := `SELECT ` + eventColumns + ` FROM ledger_events WHERE id > $1 AND id <= $2 ORDER BY id ASC`
	args := []any{q.AfterID, upTo}
	if q.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_events`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (Event, error) {
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

func scanEvent(r scanner) (Event, error) {
	var ev Event
	var eventType, payload string
	var prevHash, actorID, sig, signingKeyID sql.NullString
	if err := r.Scan(&ev.ID, &eventType, &payload, &prevHash, &ev.BlockHash, &ev.CreatedAt,
		&actorID, &sig, &signingKeyID); err != nil {
		return Event{}, err
	}
	ev.EventType = EventType(eventType)
	ev.Payload = []byte(payload)
	ev.PrevHash = fromNull(prevHash)
	ev.ActorID = fromNull(actorID)
	ev.Signature = fromNull(sig)
	ev.SigningKeyID = fromNull(signingKeyID)
	return ev, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
