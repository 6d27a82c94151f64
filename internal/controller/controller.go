// Package controller drives the enumeration state machine of a single lane.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

const defaultFlushTimeout = 30 * time.Second

// Config holds run-wide controller settings.
type Config struct {
	// FlushTimeout bounds the final flush, which runs detached from cancellation.
	FlushTimeout time.Duration
	// ArchiveRaw stores every fetched body under RawPrefix.
	ArchiveRaw bool
	RawPrefix  string
}

// Controller enumerates one lane. A Controller runs at most once at a time.
type Controller struct {
	lane        crawler.Lane
	fetcher     crawler.Fetcher
	extractor   crawler.Extractor
	merger      crawler.Merger
	checkpoints crawler.CheckpointStore
	limiter     crawler.Limiter
	archive     crawler.ObjectStore
	clock       crawler.Clock
	cfg         Config
	runID       string
	logger      *zap.Logger
	progress    progressBox
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLimiter spaces out key fetches.
func WithLimiter(l crawler.Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

// WithArchive sets the object store used for raw bodies when Config.ArchiveRaw is on.
func WithArchive(objects crawler.ObjectStore) Option {
	return func(c *Controller) { c.archive = objects }
}

// WithClock overrides the clock.
func WithClock(cl crawler.Clock) Option {
	return func(c *Controller) { c.clock = cl }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRunID tags the run report.
func WithRunID(id string) Option {
	return func(c *Controller) { c.runID = id }
}

// New validates the lane and wires a Controller.
func New(
	lane crawler.Lane,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	merger crawler.Merger,
	checkpoints crawler.CheckpointStore,
	cfg Config,
	opts ...Option,
) (*Controller, error) {
	if err := lane.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil || extractor == nil || merger == nil || checkpoints == nil {
		return nil, errors.New("fetcher, extractor, merger and checkpoint store are required")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.RawPrefix == "" {
		cfg.RawPrefix = "raw"
	}
	c := &Controller{
		lane:        lane,
		fetcher:     fetcher,
		extractor:   extractor,
		merger:      merger,
		checkpoints: checkpoints,
		clock:       clock.System{},
		cfg:         cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("lane", lane.ID()))
	c.progress.set(Progress{Lane: lane.ID(), RunID: c.runID, Sequence: lane.StartSequence})
	return c, nil
}

// Lane returns the lane this controller owns.
func (c *Controller) Lane() crawler.Lane {
	return c.lane
}

// Progress returns the latest progress view.
func (c *Controller) Progress() Progress {
	return c.progress.get()
}

// run carries the mutable state of one Run call.
type run struct {
	report    crawler.RunReport
	state     crawler.State
	seq       int
	steps     int
	last      crawler.Key
	attempted bool
	empty     int
	failure   int
	batch     []crawler.Record
}

// Run enumerates the lane until a stop condition, then flushes the pending
// batch and saves the final checkpoint. A failed flush is returned as an
// error and leaves the checkpoint where the last successful flush put it.
func (c *Controller) Run(ctx context.Context) (crawler.RunReport, error) {
	metrics.IncActiveLanes()
	defer metrics.DecActiveLanes()
	ctx, span := telemetry.Tracer("controller").Start(ctx, "lane.run",
		trace.WithAttributes(attribute.String("permit.lane", c.lane.ID()), attribute.String("permit.run_id", c.runID)))
	defer span.End()

	r := &run{
		report: crawler.RunReport{RunID: c.runID, Lane: c.lane.ID(), StartedAt: c.clock.Now()},
		state:  crawler.StateRunning,
		seq:    c.lane.StartSequence,
	}
	if err := c.resume(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.report, err
	}
	c.logger.Info("lane run starting",
		zap.Int("sequence", r.seq),
		zap.Int("consecutive_empty", r.empty),
		zap.Int("consecutive_failure", r.failure),
	)

	for r.state == crawler.StateRunning {
		if err := c.step(ctx, r); err != nil {
			return c.finishWithError(span, r, err)
		}
	}

	if err := c.flush(ctx, r); err != nil {
		return c.finishWithError(span, r, err)
	}
	if r.attempted {
		if err := c.saveCheckpoint(ctx, r); err != nil {
			return c.finishWithError(span, r, err)
		}
	}
	r.report.StopReason = r.state
	r.report.FinishedAt = c.clock.Now()
	metrics.ObserveRun(string(r.state))
	c.publishProgress(r)
	span.SetAttributes(
		attribute.String("permit.stop_reason", string(r.state)),
		attribute.Int("permit.attempted", r.report.Attempted),
	)
	c.logger.Info("lane run finished",
		zap.String("state", string(r.state)),
		zap.Int("attempted", r.report.Attempted),
		zap.Int("fetched", r.report.Fetched),
		zap.Int("empty", r.report.Empty),
		zap.Int("failed", r.report.Failed),
		zap.Int("added", r.report.Added),
		zap.Int("updated", r.report.Updated),
	)
	return r.report, nil
}

func (c *Controller) resume(ctx context.Context, r *run) error {
	if c.lane.OneShot {
		return nil
	}
	cp, err := c.checkpoints.Load(ctx, c.lane.ID())
	if err != nil {
		return fmt.Errorf("lane %s: %w", c.lane.ID(), err)
	}
	if cp == nil {
		return nil
	}
	if cp.Lane != c.lane.ID() {
		c.logger.Warn("ignoring checkpoint of another lane", zap.String("checkpoint_lane", cp.Lane))
		return nil
	}
	k := cp.LastAttemptedKey
	if k.Period != c.lane.Period || k.Category != c.lane.Category || k.Revision != c.lane.Revision {
		c.logger.Warn("ignoring checkpoint of a different partition", zap.String("key", k.String()))
		return nil
	}
	r.last = k
	r.attempted = true
	r.empty = cp.ConsecutiveEmpty
	r.failure = cp.ConsecutiveFailure
	r.seq = max(k.Sequence+1, c.lane.StartSequence)
	return nil
}

func (c *Controller) step(ctx context.Context, r *run) error {
	if ctx.Err() != nil {
		r.state = crawler.StateStoppedCanceled
		return nil
	}
	if c.lane.Bounded() && r.seq > c.lane.EndSequence {
		r.state = crawler.StateStoppedRangeEnd
		return nil
	}
	key := c.lane.KeyAt(r.seq)
	if err := key.Validate(); err != nil {
		c.logger.Warn("sequence space exhausted", zap.Int("sequence", r.seq), zap.Error(err))
		r.state = crawler.StateStoppedRangeEnd
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Info("politeness wait interrupted", zap.Error(err))
			r.state = crawler.StateStoppedCanceled
			return nil
		}
	}

	outcome := c.fetcher.Fetch(ctx, key)
	if outcome.Kind == crawler.OutcomeTransientFailure && ctx.Err() != nil {
		// The key was never really tried; the next run repeats it.
		r.state = crawler.StateStoppedCanceled
		return nil
	}

	r.steps++
	r.attempted = true
	r.last = key
	r.report.Attempted++
	if r.report.FirstKey == "" {
		r.report.FirstKey = key.String()
	}
	r.report.LastKey = key.String()

	kind := c.apply(ctx, r, key, outcome)
	metrics.ObserveFetch(c.lane.ID(), string(kind), outcome.Duration)

	switch {
	case r.failure >= c.lane.FailureThreshold:
		r.state = crawler.StateStoppedFailure
	case !c.lane.Bounded() && r.empty >= c.lane.EmptyThreshold:
		r.state = crawler.StateStoppedEmpty
	case c.lane.Bounded() && r.seq >= c.lane.EndSequence:
		if r.empty >= c.lane.EmptyThreshold {
			r.state = crawler.StateStoppedEmpty
		} else {
			r.state = crawler.StateStoppedRangeEnd
		}
	case c.lane.MaxSteps > 0 && r.steps >= c.lane.MaxSteps:
		r.state = crawler.StateStoppedBudget
	}
	r.seq++

	if len(r.batch) >= c.lane.BatchSize {
		if err := c.flush(ctx, r); err != nil {
			return err
		}
		if err := c.saveCheckpoint(ctx, r); err != nil {
			return err
		}
	}
	c.publishProgress(r)
	return nil
}

// apply folds one outcome into the run counters and returns the effective kind.
func (c *Controller) apply(ctx context.Context, r *run, key crawler.Key, outcome crawler.Outcome) crawler.OutcomeKind {
	switch outcome.Kind {
	case crawler.OutcomeFetched:
		record, err := c.extractor.Extract(outcome.Body, key)
		if err == nil && !record.Valid() {
			err = errors.New("record has no attributes")
		}
		if err != nil {
			r.failure++
			r.report.Failed++
			c.logger.Warn("extraction failed",
				zap.String("key", key.String()),
				zap.String("outcome", string(crawler.OutcomeTransientFailure)),
				zap.Error(err),
			)
			return crawler.OutcomeTransientFailure
		}
		r.batch = append(r.batch, record)
		r.empty = 0
		r.failure = 0
		r.report.Fetched++
		c.archiveBody(ctx, key, outcome.Body)
		c.logger.Debug("record fetched",
			zap.String("key", key.String()),
			zap.Int("completeness", record.Completeness),
		)
	case crawler.OutcomeNotYetIssued:
		r.empty++
		r.failure = 0
		r.report.Empty++
		c.logger.Debug("key not yet issued", zap.String("key", key.String()))
	default:
		r.failure++
		r.report.Failed++
		c.logger.Warn("fetch failed",
			zap.String("key", key.String()),
			zap.String("outcome", string(outcome.Kind)),
			zap.String("reason", outcome.Reason),
		)
	}
	return outcome.Kind
}

func (c *Controller) flush(ctx context.Context, r *run) error {
	if len(r.batch) == 0 {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	result, err := c.merger.Merge(flushCtx, r.batch)
	if err != nil {
		return fmt.Errorf("lane %s: flush %d records: %w", c.lane.ID(), len(r.batch), err)
	}
	r.report.Added += result.Added
	r.report.Updated += result.Updated
	c.logger.Info("batch flushed",
		zap.Int("records", len(r.batch)),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
	)
	r.batch = nil
	return nil
}

func (c *Controller) saveCheckpoint(ctx context.Context, r *run) error {
	if c.lane.OneShot {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	cp := crawler.Checkpoint{
		Lane:               c.lane.ID(),
		LastAttemptedKey:   r.last,
		ConsecutiveEmpty:   r.empty,
		ConsecutiveFailure: r.failure,
		UpdatedAt:          c.clock.Now(),
	}
	if err := c.checkpoints.Save(saveCtx, cp); err != nil {
		return fmt.Errorf("lane %s: %w", c.lane.ID(), err)
	}
	return nil
}

func (c *Controller) archiveBody(ctx context.Context, key crawler.Key, body []byte) {
	if !c.cfg.ArchiveRaw || c.archive == nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlushTimeout)
	defer cancel()
	p := path.Join(c.cfg.RawPrefix, key.String()+".html")
	if err := c.archive.Put(archiveCtx, p, body); err != nil {
		c.logger.Warn("archive raw body failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *Controller) finishWithError(span trace.Span, r *run, err error) (crawler.RunReport, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.report.StopReason = crawler.StateStoppedFailure
	r.report.FinishedAt = c.clock.Now()
	r.state = crawler.StateStoppedFailure
	metrics.ObserveRun(string(r.state))
	c.publishProgress(r)
	c.logger.Error("lane run aborted", zap.Error(err))
	return r.report, err
}

func (c *Controller) publishProgress(r *run) {
	c.progress.set(Progress{
		Lane:               c.lane.ID(),
		RunID:              c.runID,
		State:              r.state,
		Sequence:           r.seq,
		Attempted:          r.report.Attempted,
		Fetched:            r.report.Fetched,
		Empty:              r.report.Empty,
		Failed:             r.report.Failed,
		Pending:            len(r.batch),
		ConsecutiveEmpty:   r.empty,
		ConsecutiveFailure: r.failure,
		UpdatedAt:          c.clock.Now(),
	})
}
