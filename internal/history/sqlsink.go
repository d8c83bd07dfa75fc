package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect selects placeholder and DDL flavour for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TableName is the relational table every SQL sink appends to.
const TableName = "session_history"

// SQLSink appends events to session_history. The schema is created if
// missing. It is independent of the state file; it only appends.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database. The caller registers the driver.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if db == nil {
		return nil, errors.New("nil database for SQL history sink")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableName + `(
			id ` + id + `,
			occurred_at ` + ts + ` NOT NULL,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			profile TEXT NOT NULL,
			port INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			detail TEXT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_session ON ` + TableName + `(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_profile ON ` + TableName + `(profile);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history schema: %w", err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	q := `INSERT INTO ` + TableName + `(occurred_at, session_id, kind, profile, port, pid, attempt, detail, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if s.dialect == DialectPostgres {
		q = `INSERT INTO ` + TableName + `(occurred_at, session_id, kind, profile, port, pid, attempt, detail, error)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), e.SessionID, string(e.Kind), e.Profile, e.Port, e.PID, e.Attempt,
		nullable(e.Detail), nullable(e.Error))
	return err
}

// Query returns the events of one session in insertion order.
func (s *SQLSink) Query(ctx context.Context, sessionID string) ([]Event, error) {
	q := `SELECT occurred_at, session_id, kind, profile, port, pid, attempt, detail, error
		FROM ` + TableName + ` WHERE session_id = ? ORDER BY id`
	if s.dialect == DialectPostgres {
		q = `SELECT occurred_at, session_id, kind, profile, port, pid, attempt, detail, error
		FROM ` + TableName + ` WHERE session_id = $1 ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e             Event
			kind          string
			detail, errTx sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &e.SessionID, &kind, &e.Profile, &e.Port, &e.PID, &e.Attempt, &detail, &errTx); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Detail = detail.String
		e.Error = errTx.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
