package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/gaps"
)

type gapFlags struct {
	period          int
	category        int
	through         int
	minCompleteness int
	dryRun          bool
	noBackup        bool
}

func (f *gapFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.period, "period", 0, "only this period; 0 covers every stored period")
	cmd.Flags().IntVar(&f.category, "category", -1, "only this category; -1 covers every stored category")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the planned lanes without crawling")
	cmd.Flags().BoolVar(&f.noBackup, "no-backup", false, "skip the snapshot backup before the run")
}

// newGapsCmd creates the 'gaps' subcommand.
func newGapsCmd() *cobra.Command {
	var flags gapFlags
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Refetches sequences missing below the highest stored sequence",
		Long: `Reads the canonical snapshot, finds every sequence between 1 and the
highest stored sequence of each partition that has no record, and crawls the
consecutive runs as bounded lanes. Gap lanes keep no checkpoint, so a rerun
recomputes the ranges from the snapshot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlanned(cmd, flags, "gap", func(snap crawler.Snapshot, part gaps.Partition) []int {
				through := 0
				if part.Period == flags.period {
					through = flags.through
				}
				return gaps.Missing(snap, part, through)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.through, "through", 0, "look for gaps up to this sequence instead of the highest stored one (needs --period)")
	return cmd
}

// newRefreshCmd creates the 'refresh' subcommand.
func newRefreshCmd() *cobra.Command {
	var flags gapFlags
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refetches stored records that are missing attributes",
		Long: `Refetches every stored record whose completeness is below the threshold
or that lacks one of the required attributes. A refetched record replaces the
stored one only when it is at least as complete.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			criteria := gaps.Criteria{
				MinCompleteness: rt.cfg.Refresh.MinCompleteness,
				Required:        rt.cfg.Refresh.RequiredAttributes,
			}
			if flags.minCompleteness > 0 {
				criteria.MinCompleteness = flags.minCompleteness
			}
			return runPlanned(cmd, flags, "refresh", func(snap crawler.Snapshot, part gaps.Partition) []int {
				return gaps.Incomplete(snap, part, criteria)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.minCompleteness, "min-completeness", 0, "refetch records with fewer attributes; 0 uses refresh.min_completeness")
	return cmd
}

// runPlanned turns the sequences pick selects in each partition into
// bounded one-shot lanes and crawls them, or prints them on a dry run.
func runPlanned(cmd *cobra.Command, flags gapFlags, prefix string, pick func(crawler.Snapshot, gaps.Partition) []int) error {
	if flags.through > 0 && flags.period == 0 {
		return fmt.Errorf("--through needs --period")
	}
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	template := rt.cfg.Crawler.ApplyDefaults(crawler.Lane{})

	plan := func(ctx context.Context, svc *services) ([]crawler.Lane, error) {
		snap, err := svc.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		var lanes []crawler.Lane
		for _, part := range selectPartitions(snap, flags) {
			ranges := gaps.Group(pick(snap, part))
			if len(ranges) == 0 {
				continue
			}
			rt.logger.Info("planned lanes",
				zap.String("kind", prefix),
				zap.String("partition", part.String()),
				zap.Int("ranges", len(ranges)),
			)
			lanes = append(lanes, gaps.Lanes(part, ranges, template, prefix)...)
		}
		return lanes, nil
	}

	if !flags.dryRun {
		return runLanes(cmd, rt, flags.noBackup, plan)
	}
	svc, err := buildServices(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	lanes, err := plan(cmd.Context(), svc)
	if err != nil {
		return err
	}
	if lanes == nil {
		lanes = []crawler.Lane{}
	}
	return writeJSON(cmd, lanes)
}

// selectPartitions filters the stored partitions by the period and category
// flags. An explicit period and category is kept even when nothing is stored.
func selectPartitions(snap crawler.Snapshot, flags gapFlags) []gaps.Partition {
	var out []gaps.Partition
	explicit := gaps.Partition{Period: flags.period, Category: flags.category}
	found := false
	for _, part := range gaps.Partitions(snap) {
		if flags.period != 0 && part.Period != flags.period {
			continue
		}
		if flags.category >= 0 && part.Category != flags.category {
			continue
		}
		found = found || part == explicit
		out = append(out, part)
	}
	if flags.period != 0 && flags.category >= 0 && !found {
		out = append(out, explicit)
	}
	return out
}
