package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

type laneStatus struct {
	Lane       string              `json:"lane"`
	Checkpoint *crawler.Checkpoint `json:"checkpoint,omitempty"`
	// NextKey is where the next run of the lane starts.
	NextKey string `json:"nextKey"`
}

type statusReport struct {
	LastUpdate   time.Time    `json:"lastUpdate"`
	TotalCount   int          `json:"totalCount"`
	PeriodCounts map[int]int  `json:"periodCounts"`
	Lanes        []laneStatus `json:"lanes"`
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the snapshot counts and the resume point of every configured lane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			lanes, err := rt.cfg.ResolvedLanes()
			if err != nil {
				return err
			}
			svc, err := buildServices(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			snap, err := svc.snapshot(ctx)
			if err != nil {
				return err
			}
			report := statusReport{
				LastUpdate:   snap.LastUpdate,
				TotalCount:   snap.TotalCount,
				PeriodCounts: snap.PeriodCounts,
				Lanes:        make([]laneStatus, 0, len(lanes)),
			}
			for _, lane := range lanes {
				cp, err := svc.checkpoints.Load(ctx, lane.ID())
				if err != nil {
					return fmt.Errorf("load checkpoint %s: %w", lane.ID(), err)
				}
				next := lane.KeyAt(lane.StartSequence)
				if cp != nil && samePartition(lane, cp.LastAttemptedKey) {
					next = lane.KeyAt(max(cp.LastAttemptedKey.Sequence+1, lane.StartSequence))
				}
				report.Lanes = append(report.Lanes, laneStatus{Lane: lane.ID(), Checkpoint: cp, NextKey: next.String()})
			}

			return writeJSON(cmd, report)
		},
	}
}

func samePartition(lane crawler.Lane, key crawler.Key) bool {
	return key.Period == lane.Period && key.Category == lane.Category && key.Revision == lane.Revision
}
