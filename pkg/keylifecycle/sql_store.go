package keylifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yrippert-maker/papa-app-sub003/pkg/database"
)

// SQLStore keeps key_lifecycle_requests and the break_glass_state singleton.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

const lifecycleSchema = `
CREATE TABLE IF NOT EXISTS key_lifecycle_requests (
	request_id TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	initiator_id TEXT NOT NULL,
	target_key_id TEXT,
	reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	approver_id TEXT,
	decided_at TEXT,
	rejection_reason TEXT,
	executed_by TEXT,
	executed_at TEXT,
	result_key_id TEXT
);
CREATE INDEX IF NOT EXISTS key_lifecycle_requests_status ON key_lifecycle_requests (status, created_at);
CREATE TABLE IF NOT EXISTS break_glass_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version BIGINT NOT NULL,
	active INTEGER NOT NULL,
	activated_by TEXT,
	reason TEXT,
	activated_at TEXT,
	expires_at TEXT,
	deactivated_by TEXT,
	deactivated_at TEXT,
	actions_taken TEXT NOT NULL DEFAULT '[]'
)
`

func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(lifecycleSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keylifecycle: init schema: %w", err)
		}
	}
	return nil
}

const requestColumns = `request_id, operation, status, initiator_id, target_key_id, reason, created_at, expires_at,
	approver_id, decided_at, rejection_reason, executed_by, executed_at, result_key_id`

func (s *SQLStore) Create(ctx context.Context, r Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO key_lifecycle_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, string(r.Operation), string(r.Status), r.InitiatorID, nullable(r.TargetKeyID), r.Reason,
		database.FormatTime(r.CreatedAt), database.FormatTime(r.ExpiresAt),
		nullable(r.ApproverID), database.NullTime(r.DecidedAt), nullable(r.RejectionReason),
		nullable(r.ExecutedBy), database.NullTime(r.ExecutedAt), nullable(r.ResultKeyID))
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM key_lifecycle_requests WHERE request_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

func (s *SQLStore) List(ctx context.Context, status Status) ([]Request, error) {
	q := `SELECT ` + requestColumns + ` FROM key_lifecycle_requests`
	var args []any
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, request_id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Update(ctx context.Context, r Request, from Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE key_lifecycle_requests SET status = $1, approver_id = $2, decided_at = $3, rejection_reason = $4,
			executed_by = $5, executed_at = $6, result_key_id = $7
		WHERE request_id = $8 AND status = $9`,
		string(r.Status), nullable(r.ApproverID), database.NullTime(r.DecidedAt), nullable(r.RejectionReason),
		nullable(r.ExecutedBy), database.NullTime(r.ExecutedAt), nullable(r.ResultKeyID),
		r.ID, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, r.ID); err != nil {
		return err
	}
	return errStaleStatus
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var op, status, created, expires string
	var target, approver, decided, rejection, execBy, execAt, result sql.NullString
	if err := row.Scan(&r.ID, &op, &status, &r.InitiatorID, &target, &r.Reason, &created, &expires,
		&approver, &decided, &rejection, &execBy, &execAt, &result); err != nil {
		return Request{}, err
	}
	r.Operation = Operation(op)
	r.Status = Status(status)
	var err error
	if r.CreatedAt, err = database.ParseTime(created); err != nil {
		return Request{}, err
	}
	if r.ExpiresAt, err = database.ParseTime(expires); err != nil {
		return Request{}, err
	}
	if r.DecidedAt, err = database.ScanTime(decided); err != nil {
		return Request{}, err
	}
	if r.ExecutedAt, err = database.ScanTime(execAt); err != nil {
		return Request{}, err
	}
	r.TargetKeyID = fromNull(target)
	r.ApproverID = fromNull(approver)
	r.RejectionReason = fromNull(rejection)
	r.ExecutedBy = fromNull(execBy)
	r.ResultKeyID = fromNull(result)
	return r, nil
}

func (s *SQLStore) Load(ctx context.Context) (BreakGlass, error) {
	var b BreakGlass
	var active int
	var by, reason, at, expires, deBy, deAt sql.NullString
	var actions string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, active, activated_by, reason, activated_at, expires_at, deactivated_by, deactivated_at, actions_taken
		FROM break_glass_state WHERE id = 1`).
		Scan(&b.Version, &active, &by, &reason, &at, &expires, &deBy, &deAt, &actions)
	if errors.Is(err, sql.ErrNoRows) {
		return BreakGlass{}, nil
	}
	if err != nil {
		return BreakGlass{}, err
	}
	b.Active = active == 1
	b.ActivatedBy = fromNull(by)
	b.Reason = fromNull(reason)
	b.DeactivatedBy = fromNull(deBy)
	if b.ActivatedAt, err = database.ScanTime(at); err != nil {
		return BreakGlass{}, err
	}
	if b.ExpiresAt, err = database.ScanTime(expires); err != nil {
		return BreakGlass{}, err
	}
	if b.DeactivatedAt, err = database.ScanTime(deAt); err != nil {
		return BreakGlass{}, err
	}
	if err := json.Unmarshal([]byte(actions), &b.ActionsTaken); err != nil {
		return BreakGlass{}, fmt.Errorf("keylifecycle: decode actions_taken: %w", err)
	}
	return b, nil
}

func (s *SQLStore) Save(ctx context.Context, b BreakGlass, expectVersion int64) error {
	actions, err := json.Marshal(b.ActionsTaken)
	if err != nil {
		return err
	}
	if b.ActionsTaken == nil {
		actions = []byte("[]")
	}
	active := 0
	if b.Active {
		active = 1
	}
	args := []any{
		expectVersion + 1, active, nullable(b.ActivatedBy), nullable(b.Reason),
		database.NullTime(b.ActivatedAt), database.NullTime(b.ExpiresAt),
		nullable(b.DeactivatedBy), database.NullTime(b.DeactivatedAt), string(actions),
	}

	if expectVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO break_glass_state (id, version, active, activated_by, reason, activated_at, expires_at,
				deactivated_by, deactivated_at, actions_taken)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)`, args...)
		if database.IsUniqueViolation(err) {
			return errStaleStatus
		}
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE break_glass_state SET version = $1, active = $2, activated_by = $3, reason = $4, activated_at = $5,
			expires_at = $6, deactivated_by = $7, deactivated_at = $8, actions_taken = $9
		WHERE id = 1 AND version = $10`, append(args, expectVersion)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errStaleStatus
	}
	return nil
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
