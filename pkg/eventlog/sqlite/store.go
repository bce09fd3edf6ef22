// Package sqlite persists machine timelines in SQLite through the
// shared db pool. It implements both eventlog.Store and
// eventlog.ArchiveStore; transactions ride inside the context so
// behaviors running during a transactional macro-step can join them.
//
// SQLite serializes writers, so pair the store with a DSN that opens
// write transactions eagerly and waits for the lock instead of
// failing:
//
//	file:events.db?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/eventlog"
)

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the field compression codec. Disabled by default.
func WithCodec(c *eventlog.Codec) Option {
	return func(s *Store) {
		failfast.NotNil(c, "codec")
		s.codec = c
	}
}

// WithLogger sets the store logger.
func WithLogger(l core.Logger) Option {
	return func(s *Store) {
		failfast.NotNil(l, "logger")
		s.log = l
	}
}

// Store is the SQLite event log.
type Store struct {
	pool  *db.Pool
	codec *eventlog.Codec
	log   core.Logger
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *db.Pool, opts ...Option) *Store {
	failfast.NotNil(pool, "db pool")
	s := &Store{pool: pool, codec: eventlog.Disabled(), log: core.NewNopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open builds a pool for the DSN and wraps it. Close releases the pool.
func Open(dsn string, opts ...Option) (*Store, error) {
	pool, err := db.NewPool(db.DefaultPoolConfig(dsn, "sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening pool: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *db.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() error { return s.pool.Close() }

type txKey struct{}

func txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// querier is the slice of database/sql shared by pools and
// transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool.DB()
}

// InTx runs fn inside one database transaction carried through the
// context. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.log.Warnf("sqlite: rollback: %v", rerr)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", mapSQLiteError(err))
	}
	return nil
}

const insertEventSQL = `INSERT INTO machine_event
	(id, root_event_id, sequence_number, machine_id, machine_value, source, type, payload, context, meta, version, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const lastSequenceSQL = `SELECT COALESCE(MAX(sequence_number), 0) FROM machine_event WHERE root_event_id = ?`

// Append inserts a macro-step's rows, verifying that each root's batch
// continues its stored sequence. The check runs inside the enclosing
// transaction; concurrent writers that slip past it hit the composite
// unique constraint and surface as ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, events []*eventlog.Event) error {
	if err := eventlog.ValidateRows(events); err != nil {
		return err
	}
	if txFrom(ctx) == nil {
		return s.InTx(ctx, func(c context.Context) error { return s.Append(c, events) })
	}
	q := s.q(ctx)
	next := make(map[string]uint64)
	for _, e := range events {
		want, seen := next[e.RootID]
		if !seen {
			var last int64
			if err := q.QueryRowContext(ctx, lastSequenceSQL, e.RootID).Scan(&last); err != nil {
				return fmt.Errorf("sqlite: last sequence of %s: %w", e.RootID, err)
			}
			want = uint64(last) + 1
		}
		if e.Sequence != want {
			return eventlog.ErrSequenceConflict
		}
		next[e.RootID] = want + 1
	}
	return s.insertRows(ctx, events)
}

// Insert re-inserts previously recorded rows verbatim, the archive
// restoration path. Sequence continuity is not re-checked; the rows
// carry their original numbers.
func (s *Store) Insert(ctx context.Context, events []*eventlog.Event) error {
	if err := eventlog.ValidateRows(events); err != nil {
		return err
	}
	return s.insertRows(ctx, events)
}

// insertRows stores timestamps in UTC; uniform offsets keep the text
// encoding comparable, which LatestActivity and StaleRoots rely on.
func (s *Store) insertRows(ctx context.Context, events []*eventlog.Event) error {
	stmt, err := s.q(ctx).PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("sqlite: preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range events {
		payload, ctxb, meta, err := s.codec.EncodeFields(e)
		if err != nil {
			return err
		}
		value := e.Value
		if value == nil {
			value = []string{}
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("sqlite: encoding machine value of %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.RootID, int64(e.Sequence), e.MachineID, string(valueJSON),
			string(e.Source), e.Type, payload, ctxb, meta,
			int64(e.Version), e.CreatedAt.UTC()); err != nil {
			return mapSQLiteError(err)
		}
	}
	return nil
}

const selectEventsSQL = `SELECT id, root_event_id, sequence_number, machine_id, machine_value, source, type, payload, context, meta, version, created_at
	FROM machine_event WHERE root_event_id = ? ORDER BY sequence_number`

// Load returns every row of a root in sequence order, fields decoded.
func (s *Store) Load(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	rows, err := s.q(ctx).QueryContext(ctx, selectEventsSQL, rootID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading %s: %w", rootID, err)
	}
	defer rows.Close()
	var out []*eventlog.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: loading %s: %w", rootID, err)
	}
	if len(out) == 0 {
		return nil, eventlog.ErrNoEvents
	}
	return out, nil
}

func (s *Store) scanEvent(rows *sql.Rows) (*eventlog.Event, error) {
	var (
		e         eventlog.Event
		seq       int64
		valueJSON string
		source    string
		payload   []byte
		ctxb      []byte
		meta      []byte
		version   int64
	)
	if err := rows.Scan(&e.ID, &e.RootID, &seq, &e.MachineID, &valueJSON,
		&source, &e.Type, &payload, &ctxb, &meta, &version, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: scanning event: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Source = eventlog.Source(source)
	e.Version = uint(version)
	if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
		return nil, fmt.Errorf("sqlite: decoding machine value of %s: %w", e.ID, err)
	}
	if err := s.codec.DecodeFields(&e, payload, ctxb, meta); err != nil {
		return nil, err
	}
	return &e, nil
}

// LastSequence returns the highest stored sequence of a root, 0 when
// the root has no rows.
func (s *Store) LastSequence(ctx context.Context, rootID string) (uint64, error) {
	var last int64
	if err := s.q(ctx).QueryRowContext(ctx, lastSequenceSQL, rootID).Scan(&last); err != nil {
		return 0, fmt.Errorf("sqlite: last sequence of %s: %w", rootID, err)
	}
	return uint64(last), nil
}

// LatestActivity returns the newest created_at of a root's rows, the
// zero time when the root has none. The value is read through the
// column rather than MAX() so the driver sees the declared TIMESTAMP
// type and parses it.
func (s *Store) LatestActivity(ctx context.Context, rootID string) (time.Time, error) {
	var at time.Time
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT created_at FROM machine_event WHERE root_event_id = ? ORDER BY created_at DESC LIMIT 1`,
		rootID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: latest activity of %s: %w", rootID, err)
	}
	return at, nil
}

// StaleRoots lists roots with no activity at or after InactiveBefore,
// no live archive, and no restore at or after RestoredBefore. The
// exclude list only applies to unfiltered scans, matching MemoryStore.
func (s *Store) StaleRoots(ctx context.Context, q eventlog.StaleQuery) ([]string, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT e.root_event_id FROM machine_event e WHERE e.sequence_number = 1`)
	args := make([]interface{}, 0, 4+len(q.ExcludeMachines))
	if q.MachineID != "" {
		sb.WriteString(` AND e.machine_id = ?`)
		args = append(args, q.MachineID)
	} else if len(q.ExcludeMachines) > 0 {
		sb.WriteString(` AND e.machine_id NOT IN (?` + strings.Repeat(", ?", len(q.ExcludeMachines)-1) + `)`)
		for _, m := range q.ExcludeMachines {
			args = append(args, m)
		}
	}
	sb.WriteString(` AND NOT EXISTS (
		SELECT 1 FROM machine_event n
		WHERE n.root_event_id = e.root_event_id AND n.created_at >= ?)`)
	args = append(args, q.InactiveBefore.UTC())
	sb.WriteString(` AND NOT EXISTS (
		SELECT 1 FROM machine_archive a
		WHERE a.root_event_id = e.root_event_id
		  AND (a.payload IS NOT NULL
		       OR (a.last_restored_at IS NOT NULL AND a.last_restored_at >= ?)))`)
	args = append(args, q.RestoredBefore.UTC())
	sb.WriteString(` ORDER BY e.root_event_id LIMIT ?`)
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	args = append(args, limit)

	rows, err := s.q(ctx).QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stale roots: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("sqlite: stale roots: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: stale roots: %w", err)
	}
	return out, nil
}

// DeleteRoot removes every row of a root. Deleting an absent root is a
// no-op.
func (s *Store) DeleteRoot(ctx context.Context, rootID string) error {
	if _, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM machine_event WHERE root_event_id = ?`, rootID); err != nil {
		return fmt.Errorf("sqlite: deleting root %s: %w", rootID, err)
	}
	return nil
}

// mapSQLiteError converts constraint violations into the store
// sentinels: the composite (root, sequence) constraint means a
// concurrent writer won the sequence, the primary key means an event
// id was reused.
func mapSQLiteError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		switch serr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return eventlog.ErrDuplicateID
		case sqlite3.ErrConstraintUnique:
			return eventlog.ErrSequenceConflict
		}
	}
	return err
}

var _ eventlog.FullStore = (*Store)(nil)
