// Package postgres persists machine timelines in PostgreSQL through a
// pgx connection pool. It implements both eventlog.Store and
// eventlog.ArchiveStore; transactions ride inside the context so
// behaviors running during a transactional macro-step can join them.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
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

// Store is the PostgreSQL event log.
type Store struct {
	pool  *pgxpool.Pool
	codec *eventlog.Codec
	log   core.Logger
}

// New wraps an existing pool. The caller keeps ownership of the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	failfast.NotNil(pool, "pgx pool")
	s := &Store{pool: pool, codec: eventlog.Disabled(), log: core.NewNopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects a new pool from a DSN and wraps it. Close releases the
// pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool exposes the underlying pool, e.g. for advisory locks sharing
// the same database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

type txKey struct{}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// querier is the slice of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// InTx runs fn inside one database transaction carried through the
// context. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		if rerr := tx.Rollback(context.Background()); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			s.log.Warnf("postgres: rollback: %v", rerr)
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapPgError(err))
	}
	return nil
}

const insertEventSQL = `INSERT INTO machine_event
	(id, root_event_id, sequence_number, machine_id, machine_value, source, type, payload, context, meta, version, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const lastSequenceSQL = `SELECT COALESCE(MAX(sequence_number), 0) FROM machine_event WHERE root_event_id = $1`

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
			if err := q.QueryRow(ctx, lastSequenceSQL, e.RootID).Scan(&last); err != nil {
				return fmt.Errorf("postgres: last sequence of %s: %w", e.RootID, err)
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

func (s *Store) insertRows(ctx context.Context, events []*eventlog.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, ctxb, meta, err := s.codec.EncodeFields(e)
		if err != nil {
			return err
		}
		value := e.Value
		if value == nil {
			value = []string{}
		}
		batch.Queue(insertEventSQL,
			e.ID, e.RootID, int64(e.Sequence), e.MachineID, value,
			string(e.Source), e.Type, payload, ctxb, meta,
			int32(e.Version), e.CreatedAt)
	}
	br := s.q(ctx).SendBatch(ctx, batch)
	var berr error
	for range events {
		if _, err := br.Exec(); err != nil {
			berr = mapPgError(err)
			break
		}
	}
	if cerr := br.Close(); berr == nil && cerr != nil {
		berr = mapPgError(cerr)
	}
	return berr
}

const selectEventsSQL = `SELECT id, root_event_id, sequence_number, machine_id, machine_value, source, type, payload, context, meta, version, created_at
	FROM machine_event WHERE root_event_id = $1 ORDER BY sequence_number`

// Load returns every row of a root in sequence order, fields decoded.
func (s *Store) Load(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	rows, err := s.q(ctx).Query(ctx, selectEventsSQL, rootID)
	if err != nil {
		return nil, fmt.Errorf("postgres: loading %s: %w", rootID, err)
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
		return nil, fmt.Errorf("postgres: loading %s: %w", rootID, err)
	}
	if len(out) == 0 {
		return nil, eventlog.ErrNoEvents
	}
	return out, nil
}

func (s *Store) scanEvent(rows pgx.Rows) (*eventlog.Event, error) {
	var (
		e       eventlog.Event
		seq     int64
		source  string
		payload []byte
		ctxb    []byte
		meta    []byte
		version int32
	)
	if err := rows.Scan(&e.ID, &e.RootID, &seq, &e.MachineID, &e.Value,
		&source, &e.Type, &payload, &ctxb, &meta, &version, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: scanning event: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Source = eventlog.Source(source)
	e.Version = uint(version)
	if err := s.codec.DecodeFields(&e, payload, ctxb, meta); err != nil {
		return nil, err
	}
	return &e, nil
}

// LastSequence returns the highest stored sequence of a root, 0 when
// the root has no rows.
func (s *Store) LastSequence(ctx context.Context, rootID string) (uint64, error) {
	var last int64
	if err := s.q(ctx).QueryRow(ctx, lastSequenceSQL, rootID).Scan(&last); err != nil {
		return 0, fmt.Errorf("postgres: last sequence of %s: %w", rootID, err)
	}
	return uint64(last), nil
}

// LatestActivity returns the newest created_at of a root's rows, the
// zero time when the root has none.
func (s *Store) LatestActivity(ctx context.Context, rootID string) (time.Time, error) {
	var at *time.Time
	err := s.q(ctx).QueryRow(ctx,
		`SELECT MAX(created_at) FROM machine_event WHERE root_event_id = $1`, rootID).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: latest activity of %s: %w", rootID, err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return *at, nil
}

// The eligibility scan keeps the NOT EXISTS shape so it can ride the
// created_at index instead of aggregating every timeline.
const staleRootsSQL = `SELECT e.root_event_id
	FROM machine_event e
	WHERE e.sequence_number = 1
	  AND ($3 = '' OR e.machine_id = $3)
	  AND ($3 <> '' OR NOT (e.machine_id = ANY($4)))
	  AND NOT EXISTS (
		SELECT 1 FROM machine_event n
		WHERE n.root_event_id = e.root_event_id AND n.created_at >= $1)
	  AND NOT EXISTS (
		SELECT 1 FROM machine_archive a
		WHERE a.root_event_id = e.root_event_id
		  AND (a.payload IS NOT NULL
		       OR (a.last_restored_at IS NOT NULL AND a.last_restored_at >= $2)))
	ORDER BY e.root_event_id
	LIMIT NULLIF($5, 0)`

// StaleRoots lists roots with no activity at or after InactiveBefore,
// no live archive, and no restore at or after RestoredBefore. The
// exclude list only applies to unfiltered scans, matching MemoryStore.
func (s *Store) StaleRoots(ctx context.Context, q eventlog.StaleQuery) ([]string, error) {
	exclude := q.ExcludeMachines
	if exclude == nil {
		exclude = []string{}
	}
	limit := q.Limit
	if limit < 0 {
		limit = 0
	}
	rows, err := s.q(ctx).Query(ctx, staleRootsSQL,
		q.InactiveBefore, q.RestoredBefore, q.MachineID, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale roots: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("postgres: stale roots: %w", err)
		}
		out = append(out, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: stale roots: %w", err)
	}
	return out, nil
}

// DeleteRoot removes every row of a root. Deleting an absent root is a
// no-op.
func (s *Store) DeleteRoot(ctx context.Context, rootID string) error {
	if _, err := s.q(ctx).Exec(ctx,
		`DELETE FROM machine_event WHERE root_event_id = $1`, rootID); err != nil {
		return fmt.Errorf("postgres: deleting root %s: %w", rootID, err)
	}
	return nil
}

// mapPgError converts unique violations into the store sentinels: the
// composite (root, sequence) constraint means a concurrent writer won
// the sequence, the primary key means an event id was reused.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "root_seq") {
			return eventlog.ErrSequenceConflict
		}
		return eventlog.ErrDuplicateID
	}
	return err
}

var _ eventlog.FullStore = (*Store)(nil)
