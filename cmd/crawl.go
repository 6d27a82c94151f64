package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/api"
	"github.com/JakeFAU/permit-crawler/internal/clock"
	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/controller"
	"github.com/JakeFAU/permit-crawler/internal/coordinator"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/detector"
	"github.com/JakeFAU/permit-crawler/internal/extract/goquery"
	"github.com/JakeFAU/permit-crawler/internal/fetcher/session"
	"github.com/JakeFAU/permit-crawler/internal/id"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// version is stamped into traces.
var version = "dev"

type laneFlags struct {
	name     string
	period   int
	category int
	revision int
	start    int
	end      int
	noBackup bool
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var flags laneFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Enumerates the configured lanes and merges the permits found",
		Long: `Runs every configured lane, or the single lane given by --period and
--category, until each lane hits its stop rule. Records are merged into the
canonical snapshot in batches and every lane checkpoints after each flush.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "lane name for a single-lane run")
	cmd.Flags().IntVar(&flags.period, "period", 0, "period of a single-lane run (overrides configured lanes)")
	cmd.Flags().IntVar(&flags.category, "category", 1, "category of a single-lane run")
	cmd.Flags().IntVar(&flags.revision, "revision", 0, "revision of a single-lane run")
	cmd.Flags().IntVar(&flags.start, "start", 1, "first sequence of a single-lane run")
	cmd.Flags().IntVar(&flags.end, "end", 0, "last sequence of a single-lane run; 0 is open-ended")
	cmd.Flags().BoolVar(&flags.noBackup, "no-backup", false, "skip the snapshot backup before the run")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags laneFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	lanes, err := selectLanes(rt.cfg, flags)
	if err != nil {
		return err
	}
	if err := coordinator.ValidateLanes(lanes); err != nil {
		return err
	}
	return runLanes(cmd, rt, flags.noBackup, func(context.Context, *services) ([]crawler.Lane, error) {
		return lanes, nil
	})
}

// lanePlanner picks the lanes of a run once the stores are open.
type lanePlanner func(ctx context.Context, svc *services) ([]crawler.Lane, error)

// runLanes opens the stores, plans the lanes and runs them to completion,
// writing the lane reports as JSON.
func runLanes(cmd *cobra.Command, rt *runtime, noBackup bool, plan lanePlanner) error {
	ctx := cmd.Context()
	cfg, logger := rt.cfg, rt.logger

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "permit-crawler",
		Version:     version,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	lanes, err := plan(ctx, svc)
	if err != nil {
		return err
	}
	if len(lanes) == 0 {
		logger.Info("nothing to crawl")
		return writeJSON(cmd, []crawler.RunReport{})
	}

	if cfg.Store.BackupBeforeRun && !noBackup {
		path, err := svc.backup(ctx)
		if err != nil {
			return fmt.Errorf("backup before run: %w", err)
		}
		if path != "" {
			logger.Info("snapshot backed up", zap.String("path", path))
		}
	}

	coord, err := buildCoordinator(cfg, svc, logger)
	if err != nil {
		return err
	}

	if cfg.Ops.Enabled {
		opsCtx, stopOps := context.WithCancel(ctx)
		defer stopOps()
		deps := api.Deps{
			Lanes:       coord,
			Checkpoints: svc.checkpoints,
			Ready:       svc.ready,
			Logger:      logger.Named("ops"),
		}
		if svc.snapshots != nil {
			deps.Snapshots = svc.snapshots
		}
		server := api.NewServer(deps, api.Config{APIKey: cfg.Ops.APIKey})
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Ops.Port)
			logger.Info("ops server started", zap.String("addr", addr))
			if err := server.ListenAndServe(opsCtx, addr); err != nil {
				logger.Error("ops server error", zap.Error(err))
			}
		}()
	}

	reports, runErr := coord.Run(ctx, lanes)
	for _, r := range reports {
		logger.Info("lane finished",
			zap.String("lane", r.Lane),
			zap.String("stop_reason", string(r.StopReason)),
			zap.Int("attempted", r.Attempted),
			zap.Int("fetched", r.Fetched),
			zap.Int("added", r.Added),
			zap.Int("updated", r.Updated),
		)
	}

	if err := svc.exportSnapshot(context.WithoutCancel(ctx)); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if err := writeJSON(cmd, reports); err != nil {
		return errors.Join(runErr, fmt.Errorf("write reports: %w", err))
	}
	return runErr
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func selectLanes(cfg config.Config, flags laneFlags) ([]crawler.Lane, error) {
	if flags.period == 0 {
		return cfg.ResolvedLanes()
	}
	lane := cfg.Crawler.ApplyDefaults(crawler.Lane{
		Name:          flags.name,
		Period:        flags.period,
		Category:      flags.category,
		Revision:      flags.revision,
		StartSequence: flags.start,
		EndSequence:   flags.end,
	})
	if err := lane.Validate(); err != nil {
		return nil, err
	}
	return []crawler.Lane{lane}, nil
}

func buildCoordinator(cfg config.Config, svc *services, logger *zap.Logger) (*coordinator.Coordinator, error) {
	classifier := detector.NewClassifier(cfg.Endpoint.Markers, cfg.Endpoint.MinBodyBytes)
	fetcher, err := session.New(session.Config{
		BaseURL:        cfg.Endpoint.BaseURL,
		KeyParam:       cfg.Endpoint.KeyParam,
		UserAgent:      cfg.Endpoint.UserAgent,
		Headers:        cfg.Endpoint.Headers,
		Charset:        cfg.Endpoint.Charset,
		RequestTimeout: cfg.Endpoint.RequestTimeout,
		WarmupDelay:    cfg.Endpoint.WarmupDelay,
		WarmupJitter:   cfg.Endpoint.WarmupJitter,
		ExtraWarmups:   cfg.Endpoint.ExtraWarmups,
		MaxRetries:     cfg.Endpoint.MaxRetries,
		BackoffInitial: cfg.Endpoint.BackoffInitial,
		BackoffMax:     cfg.Endpoint.BackoffMax,
	}, classifier, session.WithLogger(logger.Named("fetcher")))
	if err != nil {
		return nil, err
	}
	extractor, err := goquery.New(cfg.Extract, clock.System{})
	if err != nil {
		return nil, err
	}

	deps := coordinator.Deps{
		Fetcher:     fetcher,
		Extractor:   extractor,
		Merger:      svc.merger,
		Checkpoints: svc.checkpoints,
		Limiter:     ratelimit.New(ratelimit.Config{DefaultInterval: cfg.Crawler.RequestDelay}),
		Publisher:   svc.publisher,
		IDs:         id.Generator{},
		Clock:       clock.System{},
		Logger:      logger.Named("crawl"),
	}
	if cfg.Store.ArchiveRaw {
		deps.Archive = svc.objects
	}
	return coordinator.New(deps, coordinator.Config{
		MaxParallelLanes: cfg.Crawler.MaxParallelLanes,
		Topic:            cfg.PubSub.Topic,
		Controller: controller.Config{
			FlushTimeout: cfg.Crawler.FlushTimeout,
			ArchiveRaw:   cfg.Store.ArchiveRaw,
			RawPrefix:    cfg.Store.RawPrefix,
		},
	})
}
