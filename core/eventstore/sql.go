package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/flowlog/core/workflow"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Dialect selects placeholder syntax and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// driverName maps a dialect to the database/sql driver registered for it.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// SQL is an EventLog backed by a relational table with a unique
// (workflow_id, sequence) key; the key rejects the loser of an append race.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the dialect's driver and prepares the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; serialising connections avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQL(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQL wraps an open database and creates the tables if needed.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	if dialect != DialectPostgres {
		dialect = DialectSQLite
	}
	s := &SQL{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) initSchema(ctx context.Context) error {
	blob := "TEXT"
	if s.dialect == DialectPostgres {
		blob = "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flowlog_events (
			workflow_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data ` + blob + `,
			occurred_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS flowlog_checkpoints (
			workflow_id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			snapshot ` + blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flowlog_workflows (
			workflow_id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *SQL) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Append(ctx context.Context, workflowID string, expected uint64, events []workflow.Event) (rng workflow.SequenceRange, err error) {
	stamped, rng, err := stamp(workflowID, expected, events)
	if err != nil {
		return workflow.SequenceRange{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return workflow.SequenceRange{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var last uint64
	row := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(sequence), 0) FROM flowlog_events WHERE workflow_id = ?`), workflowID)
	if err := row.Scan(&last); err != nil {
		return workflow.SequenceRange{}, fmt.Errorf("read last sequence: %w", err)
	}
	if last != expected {
		return workflow.SequenceRange{}, conflict(workflowID, expected, last)
	}

	insert := s.q(`INSERT INTO flowlog_events (workflow_id, sequence, event_id, event_type, event_data, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`)
	for _, ev := range stamped {
		data := string(ev.Data)
		if len(ev.Data) == 0 {
			data = "null"
		}
		if _, err := tx.ExecContext(ctx, insert, ev.WorkflowID, ev.Sequence, ev.ID, string(ev.Type), data, ev.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			if isUniqueViolation(err) {
				return workflow.SequenceRange{}, conflict(workflowID, expected, ev.Sequence)
			}
			return workflow.SequenceRange{}, fmt.Errorf("insert event: %w", err)
		}
	}
	if expected == 0 {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO flowlog_workflows (workflow_id, created_at) VALUES (?, ?)`), workflowID, time.Now().UTC().UnixNano()); err != nil {
			if isUniqueViolation(err) {
				return workflow.SequenceRange{}, conflict(workflowID, expected, 1)
			}
			return workflow.SequenceRange{}, fmt.Errorf("index workflow: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return workflow.SequenceRange{}, conflict(workflowID, expected, expected+1)
		}
		return workflow.SequenceRange{}, fmt.Errorf("commit append: %w", err)
	}
	return rng, nil
}

func (s *SQL) ReadPage(ctx context.Context, workflowID string, from uint64, limit int) ([]workflow.Event, error) {
	if from == 0 {
		from = 1
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT sequence, event_id, event_type, event_data, occurred_at
		FROM flowlog_events
		WHERE workflow_id = ? AND sequence >= ?
		ORDER BY sequence ASC
		LIMIT ?`), workflowID, from, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []workflow.Event
	for rows.Next() {
		var (
			ev       workflow.Event
			typ      string
			data     sql.NullString
			occurred string
		)
		if err := rows.Scan(&ev.Sequence, &ev.ID, &typ, &data, &occurred); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.WorkflowID = workflowID
		ev.Type = workflow.EventType(typ)
		if data.Valid && data.String != "null" {
			ev.Data = json.RawMessage(data.String)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) LastSequence(ctx context.Context, workflowID string) (uint64, error) {
	var last uint64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(sequence), 0) FROM flowlog_events WHERE workflow_id = ?`), workflowID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}

func (s *SQL) SaveCheckpoint(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := encodeCheckpoint(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO flowlog_checkpoints (workflow_id, sequence, snapshot) VALUES (?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE
		SET sequence = excluded.sequence, snapshot = excluded.snapshot
		WHERE excluded.sequence > flowlog_checkpoints.sequence`), snap.WorkflowID, snap.Sequence, string(data))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQL) LoadCheckpoint(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT snapshot FROM flowlog_checkpoints WHERE workflow_id = ?`), workflowID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(data))
}

func (s *SQL) ListWorkflows(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT workflow_id FROM flowlog_workflows
		ORDER BY created_at DESC, workflow_id DESC
		LIMIT ?`), listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
