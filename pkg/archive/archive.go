// Package archive moves cold machine timelines out of the event log
// and brings them back. The Archiver compresses a whole timeline into
// one archive row and deletes the events in the same transaction; the
// Sweeper finds eligible roots and fans the work out through a job
// runner. Restores are lossless: the rows come back with the same ids
// and sequence numbers they were archived with.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/statorio/stator/pkg/config"
	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/core/failfast"
	"github.com/statorio/stator/pkg/eventlog"
	"github.com/statorio/stator/pkg/lock"
)

// DefaultLockWait bounds how long ArchiveRoot waits for the
// per-machine lock. Archival is background work; contended roots are
// simply retried on a later sweep.
const DefaultLockWait = 5 * time.Second

var tracer = otel.Tracer("github.com/statorio/stator/pkg/archive")

// Metrics receives archival measurements. observability/prometheus
// provides the production implementation.
type Metrics interface {
	ObserveArchiveRoot(machineID string, seconds float64, originalBytes, compressedBytes int)
	ObserveRestore(machineID string, seconds float64)
	SetEligibleRoots(n int)
	AddArchivesDeleted(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveArchiveRoot(string, float64, int, int) {}
func (nopMetrics) ObserveRestore(string, float64)               {}
func (nopMetrics) SetEligibleRoots(int)                         {}
func (nopMetrics) AddArchivesDeleted(int)                       {}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLocks sets the lock service guarding timelines during archival.
// It should be the same service the actors use.
func WithLocks(svc lock.Service) Option {
	return func(a *Archiver) {
		failfast.NotNil(svc, "lock service")
		a.locks = svc
	}
}

// WithLockWait overrides the bounded lock wait of ArchiveRoot.
func WithLockWait(d time.Duration) Option {
	return func(a *Archiver) {
		failfast.If(d > 0, "lock wait must be positive")
		a.lockWait = d
	}
}

// WithCompression sets the blob compression knobs. The zero-value
// config stores every blob raw.
func WithCompression(c config.CompressionConfig) Option {
	return func(a *Archiver) {
		a.enabled = c.Enabled
		a.level = c.Level
		a.threshold = c.Threshold
	}
}

// WithLogger sets the archiver logger.
func WithLogger(l core.Logger) Option {
	return func(a *Archiver) {
		failfast.NotNil(l, "logger")
		a.log = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(a *Archiver) {
		failfast.NotNil(m, "metrics")
		a.metrics = m
	}
}

// WithClock overrides the timestamp source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		failfast.NotNil(now, "clock")
		a.clock = now
	}
}

// Archiver compresses timelines into archive rows and restores them.
type Archiver struct {
	store    eventlog.FullStore
	locks    lock.Service
	lockWait time.Duration
	clock    func() time.Time
	log      core.Logger
	metrics  Metrics

	enabled   bool
	level     int
	threshold int
}

// New builds an Archiver over a store. Without options it shares no
// lock service with anyone, so pass WithLocks in any deployment that
// runs actors.
func New(store eventlog.FullStore, opts ...Option) *Archiver {
	failfast.NotNil(store, "store")
	a := &Archiver{
		store:     store,
		locks:     lock.NewLocal(),
		lockWait:  DefaultLockWait,
		clock:     time.Now,
		log:       core.NewPrefixLogger("archive"),
		metrics:   nopMetrics{},
		enabled:   true,
		level:     eventlog.DefaultCompressionLevel,
		threshold: eventlog.DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveRoot archives one timeline: under the machine lock it loads
// the ordered rows, serializes and compresses them, writes the archive
// row, and deletes the events, the last two in one transaction. A root
// with no rows returns eventlog.ErrNoEvents.
func (a *Archiver) ArchiveRoot(ctx context.Context, rootID string) error {
	ctx, span := tracer.Start(ctx, "archive.root",
		trace.WithAttributes(attribute.String("machine.root", rootID)))
	defer span.End()
	start := a.clock()

	lease, err := a.locks.Acquire(ctx, lock.MachineKey(rootID), a.lockWait)
	if err != nil {
		return spanError(span, fmt.Errorf("archive: locking %s: %w", rootID, err))
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			a.log.Warnf("releasing lock on %s: %v", rootID, rerr)
		}
	}()

	events, err := a.store.Load(ctx, rootID)
	if err != nil {
		return spanError(span, fmt.Errorf("archive: loading %s: %w", rootID, err))
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return spanError(span, fmt.Errorf("archive: encoding %s: %w", rootID, err))
	}
	blob, level := raw, 0
	if a.enabled && len(raw) >= a.threshold {
		if blob, err = eventlog.Compress(raw, a.level); err != nil {
			return spanError(span, fmt.Errorf("archive: compressing %s: %w", rootID, err))
		}
		level = a.level
	}

	row := &eventlog.Archive{
		RootID:           rootID,
		MachineID:        events[0].MachineID,
		EventCount:       len(events),
		FirstEventAt:     events[0].CreatedAt,
		LastEventAt:      events[len(events)-1].CreatedAt,
		ArchivedAt:       a.clock().UTC(),
		CompressionLevel: level,
		OriginalSize:     len(raw),
		CompressedSize:   len(blob),
		Payload:          blob,
	}
	err = a.store.InTx(ctx, func(ctx context.Context) error {
		if err := a.store.PutArchive(ctx, row); err != nil {
			return err
		}
		return a.store.DeleteRoot(ctx, rootID)
	})
	if err != nil {
		return spanError(span, fmt.Errorf("archive: storing %s: %w", rootID, err))
	}

	span.SetAttributes(
		attribute.Int("archive.events", row.EventCount),
		attribute.Int("archive.original_bytes", row.OriginalSize),
		attribute.Int("archive.compressed_bytes", row.CompressedSize),
	)
	a.metrics.ObserveArchiveRoot(row.MachineID, a.clock().Sub(start).Seconds(), row.OriginalSize, row.CompressedSize)
	a.log.Infof("archived %s: %d events, %d -> %d bytes", rootID, row.EventCount, row.OriginalSize, row.CompressedSize)
	return nil
}

// RestoreAndDelete moves an archived timeline back into the event log
// and drops the archive row, all in one transaction. The rows are
// re-inserted exactly as archived, bypassing append bookkeeping. The
// caller is expected to hold the machine lock; the actor does this
// during Load.
func (a *Archiver) RestoreAndDelete(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	ctx, span := tracer.Start(ctx, "archive.restore",
		trace.WithAttributes(attribute.String("machine.root", rootID)))
	defer span.End()
	start := a.clock()

	var events []*eventlog.Event
	err := a.store.InTx(ctx, func(ctx context.Context) error {
		row, err := a.store.GetArchive(ctx, rootID)
		if err != nil {
			return err
		}
		if events, err = decodeBlob(row); err != nil {
			return err
		}
		if err := a.store.Insert(ctx, events); err != nil {
			return fmt.Errorf("archive: reinserting %s: %w", rootID, err)
		}
		return a.store.DeleteArchive(ctx, rootID)
	})
	if err != nil {
		return nil, spanError(span, err)
	}

	a.metrics.ObserveRestore(events[0].MachineID, a.clock().Sub(start).Seconds())
	a.log.Infof("restored %s: %d events", rootID, len(events))
	return events, nil
}

// RestoreEvents decodes an archived timeline without touching the
// event log. The archive row stays; its restore count and timestamp
// are bumped, which also starts the re-archival cooldown.
func (a *Archiver) RestoreEvents(ctx context.Context, rootID string) ([]*eventlog.Event, error) {
	ctx, span := tracer.Start(ctx, "archive.peek",
		trace.WithAttributes(attribute.String("machine.root", rootID)))
	defer span.End()

	row, err := a.store.GetArchive(ctx, rootID)
	if err != nil {
		return nil, spanError(span, err)
	}
	events, err := decodeBlob(row)
	if err != nil {
		return nil, spanError(span, err)
	}
	if err := a.store.MarkRestored(ctx, rootID, a.clock().UTC()); err != nil {
		return nil, spanError(span, err)
	}
	return events, nil
}

// decodeBlob turns an archive row back into its ordered event rows.
func decodeBlob(row *eventlog.Archive) ([]*eventlog.Event, error) {
	if !row.Live() {
		return nil, fmt.Errorf("archive: %s is a restore tombstone: %w", row.RootID, eventlog.ErrArchiveNotFound)
	}
	raw := row.Payload
	if eventlog.IsCompressed(raw) {
		var err error
		if raw, err = eventlog.Decompress(raw); err != nil {
			return nil, fmt.Errorf("archive: decompressing %s: %w", row.RootID, err)
		}
	}
	var events []*eventlog.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("archive: decoding %s: %w", row.RootID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("archive: %s decodes to an empty timeline", row.RootID)
	}
	return events, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
