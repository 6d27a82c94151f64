// Package coordinator runs several lanes concurrently against one merge writer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/controller"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/merge"
	"github.com/JakeFAU/permit-crawler/internal/policy/ratelimit"
)

// Config controls lane fan-out and notifications.
type Config struct {
	MaxParallelLanes int
	// Topic receives one message per finished lane run; empty disables publishing.
	Topic      string
	Controller controller.Config
}

// Deps are the collaborators shared by every lane.
type Deps struct {
	Fetcher     crawler.Fetcher
	Extractor   crawler.Extractor
	Merger      crawler.Merger
	Checkpoints crawler.CheckpointStore
	Limiter     *ratelimit.Limiter
	Archive     crawler.ObjectStore
	Publisher   crawler.Publisher
	IDs         crawler.IDGenerator
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Coordinator owns the single merge writer of a crawl.
type Coordinator struct {
	deps Deps
	cfg  Config

	mu     sync.RWMutex
	active map[string]*controller.Controller
}

// New validates deps and builds a Coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Merger == nil || deps.Checkpoints == nil {
		return nil, errors.New("fetcher, extractor, merger and checkpoint store are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxParallelLanes <= 0 {
		cfg.MaxParallelLanes = 1
	}
	return &Coordinator{deps: deps, cfg: cfg, active: make(map[string]*controller.Controller)}, nil
}

// ValidateLanes checks every lane and rejects duplicate names or overlapping ranges.
func ValidateLanes(lanes []crawler.Lane) error {
	if len(lanes) == 0 {
		return errors.New("at least one lane is required")
	}
	seen := make(map[string]bool, len(lanes))
	for i, l := range lanes {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.ID()] {
			return fmt.Errorf("duplicate lane name %q", l.ID())
		}
		seen[l.ID()] = true
		for _, o := range lanes[:i] {
			if l.Overlaps(o) {
				return fmt.Errorf("lane %s overlaps lane %s", l.ID(), o.ID())
			}
		}
	}
	return nil
}

// Run enumerates every lane, at most MaxParallelLanes at a time, and returns
// the reports in lane order. Lane errors are joined; other lanes keep running.
func (c *Coordinator) Run(ctx context.Context, lanes []crawler.Lane) ([]crawler.RunReport, error) {
	if err := ValidateLanes(lanes); err != nil {
		return nil, err
	}
	writer := merge.NewWriter(c.deps.Merger)
	defer writer.Close()

	reports := make([]crawler.RunReport, len(lanes))
	errs := make([]error, len(lanes))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallelLanes)
	for i, lane := range lanes {
		g.Go(func() error {
			reports[i], errs[i] = c.runLane(ctx, lane, writer)
			return nil
		})
	}
	_ = g.Wait()

	for i := range reports {
		c.publish(ctx, reports[i])
	}
	return reports, errors.Join(errs...)
}

func (c *Coordinator) runLane(ctx context.Context, lane crawler.Lane, writer crawler.Merger) (crawler.RunReport, error) {
	runID := ""
	if c.deps.IDs != nil {
		id, err := c.deps.IDs.NewID()
		if err != nil {
			return crawler.RunReport{Lane: lane.ID()}, fmt.Errorf("lane %s: run id: %w", lane.ID(), err)
		}
		runID = id
	}
	opts := []controller.Option{
		controller.WithClock(c.deps.Clock),
		controller.WithLogger(c.deps.Logger),
		controller.WithRunID(runID),
	}
	if c.deps.Limiter != nil {
		opts = append(opts, controller.WithLimiter(c.deps.Limiter.For(lane.ID(), lane.RequestDelay)))
	}
	if c.deps.Archive != nil {
		opts = append(opts, controller.WithArchive(c.deps.Archive))
	}
	ctl, err := controller.New(lane, c.deps.Fetcher, c.deps.Extractor, writer, c.deps.Checkpoints, c.cfg.Controller, opts...)
	if err != nil {
		return crawler.RunReport{Lane: lane.ID(), RunID: runID}, err
	}

	c.mu.Lock()
	c.active[lane.ID()] = ctl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, lane.ID())
		c.mu.Unlock()
	}()

	return ctl.Run(ctx)
}

func (c *Coordinator) publish(ctx context.Context, report crawler.RunReport) {
	if c.deps.Publisher == nil || c.cfg.Topic == "" || report.StopReason == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	id, err := c.deps.Publisher.Publish(pubCtx, c.cfg.Topic, report)
	if err != nil {
		c.deps.Logger.Warn("publish run report failed", zap.String("lane", report.Lane), zap.Error(err))
		return
	}
	c.deps.Logger.Debug("run report published", zap.String("lane", report.Lane), zap.String("message_id", id))
}

// Lanes returns the progress of every lane currently running, sorted by lane.
func (c *Coordinator) Lanes() []controller.Progress {
	c.mu.RLock()
	out := make([]controller.Progress, 0, len(c.active))
	for _, ctl := range c.active {
		out = append(out, ctl.Progress())
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b controller.Progress) int {
		switch {
		case a.Lane < b.Lane:
			return -1
		case a.Lane > b.Lane:
			return 1
		}
		return 0
	})
	return out
}
