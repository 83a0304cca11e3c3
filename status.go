package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/halwerk/cadsync/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mirror freshness, queue depth, and recent runs",
		Long: `Display the state of the local mirror: row counts and staleness per
kind, task queue depth, permanently failed parses, and the most recent
sync runs. Reads the local database only — works without upstream
credentials and without the daemon running.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// recentRunLimit caps the run history shown by status.
const recentRunLimit = 5

// statusReport is the full status output.
type statusReport struct {
	Daemon daemonStatus `json:"daemon"`
	Kinds  []kindStatus `json:"kinds"`
	Queued int          `json:"tasks_queued"`
	Leased int          `json:"tasks_leased"`
	Failed int          `json:"parses_failed"`
	Runs   []runSummary `json:"recent_runs"`
}

type daemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type kindStatus struct {
	Kind  string `json:"kind"`
	Total int    `json:"total"`
	Stale int    `json:"stale"`
}

type runSummary struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	State    string         `json:"state"`
	Counters countersReport `json:"counters"`
	EndedAt  *time.Time     `json:"ended_at,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := buildStatusReport(cmd.Context(), st)
	if err != nil {
		return err
	}

	pidPath := filepath.Join(filepath.Dir(cfg.Storage.DatabasePath), "cadsync.pid")
	if pid, err := readPIDFile(pidPath); err == nil {
		report.Daemon = daemonStatus{Running: true, PID: pid}
	}

	if flagJSON {
		return printStatusJSON(report)
	}

	printStatusText(report)

	return nil
}

func buildStatusReport(ctx context.Context, st *store.Store) (*statusReport, error) {
	report := &statusReport{}
	now := time.Now()

	counts, err := st.EntityCounts(ctx)
	if err != nil {
		return nil, err
	}

	for _, kind := range store.EntityKinds {
		ks := kindStatus{Kind: string(kind), Total: counts[kind]}

		// Staleness is judged against the kind's configured threshold; an
		// unseeded registry (fresh database) just reports zero stale.
		if cfg, err := st.GetConfig(ctx, kind); err != nil {
			return nil, err
		} else if cfg != nil {
			stale, total, err := st.StaleCounts(ctx, kind, cfg.StalenessThreshold, now)
			if err != nil {
				return nil, err
			}

			ks.Stale = stale
			ks.Total = total
		}

		report.Kinds = append(report.Kinds, ks)
	}

	report.Queued, report.Leased, err = st.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}

	maxRetries := 3
	if cfg, err := st.GetConfig(ctx, store.KindPartsParser); err != nil {
		return nil, err
	} else if cfg != nil {
		maxRetries = cfg.MaxRetries
	}

	report.Failed, err = st.FailedParseCount(ctx, maxRetries)
	if err != nil {
		return nil, err
	}

	runs, err := st.ListRecentRuns(ctx, recentRunLimit)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		summary := runSummary{
			ID:       run.ID,
			Kind:     string(run.Kind),
			State:    string(run.State),
			Counters: newCountersReport(run.Counters),
		}

		if !run.EndedAt.IsZero() {
			ended := run.EndedAt
			summary.EndedAt = &ended
		}

		report.Runs = append(report.Runs, summary)
	}

	return report, nil
}

func printStatusJSON(report *statusReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(report *statusReport) {
	if report.Daemon.Running {
		fmt.Printf("Daemon:  running (pid %d)\n", report.Daemon.PID)
	} else {
		fmt.Println("Daemon:  not running")
	}

	fmt.Printf("Queue:   %d queued, %d leased\n", report.Queued, report.Leased)
	fmt.Printf("Parses:  %d failed permanently\n", report.Failed)

	fmt.Println("\nMirror:")
	fmt.Printf("  %-12s %8s %8s\n", "kind", "total", "stale")

	for _, ks := range report.Kinds {
		fmt.Printf("  %-12s %8d %8d\n", ks.Kind, ks.Total, ks.Stale)
	}

	if len(report.Runs) == 0 {
		return
	}

	fmt.Println("\nRecent runs:")

	for _, run := range report.Runs {
		ended := "(running)"
		if run.EndedAt != nil {
			ended = run.EndedAt.Format(time.RFC3339)
		}

		c := run.Counters
		fmt.Printf("  %s  %-10s %-9s c=%d u=%d d=%d e=%d  %s\n",
			run.ID, run.Kind, run.State, c.Created, c.Updated, c.Deleted, c.Errors, ended)
	}
}
