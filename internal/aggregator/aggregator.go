// Package aggregator buffers build log lines per job and persists them to the
// job registry in batches, reconciling the terminal job status once.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/internal/metrics"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxBatchSize  = 50
	DefaultFlushInterval = 2 * time.Second
	DefaultFlushTimeout  = 10 * time.Second
	DefaultStatusTTL     = 30 * time.Minute
)

// Registry is the part of the job registry the aggregator writes through.
type Registry interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
}

// StatusCache mirrors job status transitions for fast status reads.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithMaxBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithFlushTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.flushTimeout = d
		}
	}
}

// WithClock replaces the wall clock used to stamp log entries.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

func WithStatusCache(c StatusCache, ttl time.Duration) Option {
	return func(a *Aggregator) {
		a.cache = c
		if ttl > 0 {
			a.cacheTTL = ttl
		}
	}
}

type pendingEntry struct {
	entry  models.LogEntry
	signal eventbus.Signal
}

// jobBuffer holds one job's unpersisted lines. mu guards entries and
// retrigger; flushing is the job's flush guard and is only ever TryLocked.
type jobBuffer struct {
	mu        sync.Mutex
	entries   []pendingEntry
	retrigger bool

	flushing sync.Mutex
}

// Aggregator owns every job buffer. Ingest never waits on the registry.
type Aggregator struct {
	registry     Registry
	cache        StatusCache
	cacheTTL     time.Duration
	batchSize    int
	interval     time.Duration
	flushTimeout time.Duration
	now          func() time.Time
	tracer       trace.Tracer

	mu      sync.Mutex
	buffers map[string]*jobBuffer
	closed  bool

	wg         sync.WaitGroup
	stopTicker context.CancelFunc
}

// New creates an Aggregator writing to registry.
func New(registry Registry, opts ...Option) *Aggregator {
	a := &Aggregator{
		registry:     registry,
		cacheTTL:     DefaultStatusTTL,
		batchSize:    DefaultMaxBatchSize,
		interval:     DefaultFlushInterval,
		flushTimeout: DefaultFlushTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer("github.com/kiranshivaraju/launchpad/internal/aggregator"),
		buffers:      make(map[string]*jobBuffer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest decodes a raw bus payload for jobID and buffers it.
func (a *Aggregator) Ingest(ctx context.Context, jobID, raw string) {
	a.IngestMessage(ctx, eventbus.Decode(eventbus.Topic(jobID), raw))
}

// IngestMessage buffers msg. A terminal signal or a full batch starts a flush
// in the background.
func (a *Aggregator) IngestMessage(ctx context.Context, msg eventbus.Message) {
	if msg.JobID == "" {
		return
	}
	pe := pendingEntry{
		entry:  models.LogEntry{Timestamp: a.now(), Message: msg.Text},
		signal: eventbus.Classify(msg),
	}

	a.mu.Lock()
	buf, ok := a.buffers[msg.JobID]
	if !ok {
		buf = &jobBuffer{}
		a.buffers[msg.JobID] = buf
		metrics.SetBufferedJobs(len(a.buffers))
	}
	buf.mu.Lock()
	buf.entries = append(buf.entries, pe)
	size := len(buf.entries)
	buf.mu.Unlock()
	a.mu.Unlock()

	metrics.ObserveIngest(1)

	if pe.signal != eventbus.SignalNone || size >= a.batchSize {
		a.triggerFlush(ctx, msg.JobID)
	}
}

// Run ingests every message from msgs until the channel closes or ctx ends.
func (a *Aggregator) Run(ctx context.Context, msgs <-chan eventbus.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			a.IngestMessage(ctx, msg)
		}
	}
}

// Pending returns the number of buffered, unpersisted lines for jobID.
func (a *Aggregator) Pending(jobID string) int {
	buf := a.buffer(jobID)
	if buf == nil {
		return 0
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.entries)
}

// Flush persists jobID's buffered lines. It returns nil without writing when
// another flush for the job holds the guard; that flush runs again once done.
// If the job no longer exists its lines are dropped and store.ErrNotFound is
// returned wrapped.
func (a *Aggregator) Flush(ctx context.Context, jobID string) error {
	for {
		buf := a.buffer(jobID)
		if buf == nil {
			return nil
		}
		if !buf.flushing.TryLock() {
			buf.mu.Lock()
			buf.retrigger = true
			buf.mu.Unlock()
			return nil
		}
		err := a.flushLocked(ctx, jobID, buf)
		buf.flushing.Unlock()
		if err != nil {
			return err
		}

		buf.mu.Lock()
		again := buf.retrigger && len(buf.entries) > 0
		buf.retrigger = false
		buf.mu.Unlock()
		if !again {
			return nil
		}
	}
}

// FlushAll flushes every buffered job concurrently and waits for all of them.
// Lines for unknown jobs are discarded without being reported as an error.
func (a *Aggregator) FlushAll(ctx context.Context) error {
	ids := a.jobIDs()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := a.Flush(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartTicker flushes every buffered job once per flush interval until ctx
// ends or Close is called. A job still flushing from the previous tick is
// skipped by its guard.
func (a *Aggregator) StartTicker(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.closed || a.stopTicker != nil {
		a.mu.Unlock()
		cancel()
		return
	}
	a.stopTicker = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range a.jobIDs() {
					a.triggerFlush(ctx, id)
				}
			}
		}
	}()
}

// Close stops the ticker, waits for in-flight flushes and drains every
// buffer once. Lines that still cannot be persisted are reported in the error.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	stop := a.stopTicker
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	a.wg.Wait()

	err := a.FlushAll(ctx)
	for _, id := range a.jobIDs() {
		if n := a.Pending(id); n > 0 {
			slog.Error("log lines not persisted at shutdown", "job_id", id, "lines", n)
		}
	}
	return err
}

func (a *Aggregator) triggerFlush(ctx context.Context, jobID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in flush", "error", r, "job_id", jobID)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, a.flushTimeout)
		defer cancel()
		if err := a.Flush(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("flush failed, keeping buffer", "job_id", jobID, "error", err)
		}
	}()
}

// flushLocked runs with buf.flushing held.
func (a *Aggregator) flushLocked(ctx context.Context, jobID string, buf *jobBuffer) (err error) {
	buf.mu.Lock()
	n := len(buf.entries)
	snapshot := make([]pendingEntry, n)
	copy(snapshot, buf.entries)
	buf.mu.Unlock()

	if n == 0 {
		a.dropIfEmpty(jobID, buf)
		return nil
	}

	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "aggregator.flush", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("flush.lines", n),
	))
	result := "success"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("flush.result", result))
		span.End()
		metrics.ObserveFlush(result, time.Since(start))
	}()

	current, err := a.registry.GetByID(ctx, jobID)
	if err == nil {
		var updated *models.Job
		update := buildUpdate(current.Status, snapshot)
		updated, err = a.registry.Update(ctx, jobID, update)
		if err == nil {
			a.consume(jobID, buf, n)
			a.afterUpdate(ctx, jobID, current.Status, updated, n)
			return nil
		}
	}

	if errors.Is(err, store.ErrNotFound) {
		result = "not_found"
		a.consume(jobID, buf, n)
		slog.Warn("discarding logs for unknown job", "job_id", jobID, "lines", n)
		return fmt.Errorf("flush %s: %w", jobID, err)
	}

	result = "error"
	return fmt.Errorf("flush %s: %w", jobID, err)
}

// buildUpdate appends the snapshot and picks the status it implies. The first
// terminal signal in the snapshot wins; plain lines move a queued job to
// building. Transitions the state machine rejects are left out.
func buildUpdate(current string, snapshot []pendingEntry) models.JobUpdate {
	update := models.JobUpdate{AppendLogs: make([]models.LogEntry, len(snapshot))}
	target := ""
	for i, pe := range snapshot {
		update.AppendLogs[i] = pe.entry
		if target != "" {
			continue
		}
		switch pe.signal {
		case eventbus.SignalDone:
			target = models.JobStatusDeployed
		case eventbus.SignalFailed:
			target = models.JobStatusFailed
		}
	}
	if target == "" && current == models.JobStatusQueued {
		target = models.JobStatusBuilding
	}
	if target != "" && models.CanTransition(current, target) {
		update.Status = models.StatusPtr(target)
	}
	return update
}

func (a *Aggregator) afterUpdate(ctx context.Context, jobID, previous string, updated *models.Job, lines int) {
	slog.Debug("flushed logs", "job_id", jobID, "lines", lines, "status", updated.Status)
	if updated.Status == previous {
		return
	}

	metrics.ObserveStatusTransition(updated.Status)
	slog.Info("job status changed", "job_id", jobID, "from", previous, "to", updated.Status)
	if a.cache != nil {
		if err := a.cache.SetJobStatus(ctx, jobID, updated.Status, a.cacheTTL); err != nil {
			slog.Warn("status cache update failed", "job_id", jobID, "error", err)
		}
	}
}

// consume drops the first n entries, which are exactly the flushed snapshot.
// Lines ingested while the flush ran stay buffered.
func (a *Aggregator) consume(jobID string, buf *jobBuffer, n int) {
	buf.mu.Lock()
	rest := make([]pendingEntry, len(buf.entries)-n)
	copy(rest, buf.entries[n:])
	buf.entries = rest
	buf.mu.Unlock()

	a.dropIfEmpty(jobID, buf)
}

func (a *Aggregator) dropIfEmpty(jobID string, buf *jobBuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if len(buf.entries) == 0 && a.buffers[jobID] == buf {
		delete(a.buffers, jobID)
		metrics.SetBufferedJobs(len(a.buffers))
	}
}

func (a *Aggregator) buffer(jobID string) *jobBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffers[jobID]
}

func (a *Aggregator) jobIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.buffers))
	for id := range a.buffers {
		ids = append(ids, id)
	}
	return ids
}
