package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/sync"
	"github.com/halwerk/cadsync/internal/uid"
	"github.com/halwerk/cadsync/internal/upstream"
)

var (
	flagSyncProject string
	flagSyncKind    string
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cascade and exit",
		Long: `Run a single cascade against the upstream catalog, outside the daemon's
scheduler. By default every enabled kind is swept in dependency order;
--kind restricts the cascade to one kind plus its parents, --project to
one project's subtree.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().StringVar(&flagSyncProject, "project", "", "limit to one project (upstream UUID)")
	cmd.Flags().StringVar(&flagSyncKind, "kind", "", "limit to one kind (directory, project, phase, elevation)")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger()

	scope, err := buildScope()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SeedDefaultConfigs(cmd.Context()); err != nil {
		return err
	}

	client := upstream.NewClient(cfg.Upstream.BaseURL, defaultHTTPClient(), cfg.Upstream.RateLimit, logger)
	pool := sync.NewPool(client, upstream.Credentials{
		Username: cfg.Upstream.Username,
		Password: cfg.Upstream.Password,
	}, cfg.Upstream.PoolSize, logger)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		pool.Close(ctx)
	}()

	orch := sync.NewOrchestrator(st, pool, sync.NewEvaluator(nil), nil,
		cfg.Storage.BlobRoot, cfg.Storage.ImageRoot, logger)

	ctx := shutdownContext(cmd.Context(), logger)

	runID, err := orch.Run(ctx, scope)
	if err != nil {
		return fmt.Errorf("sync cascade: %w", err)
	}

	run, attempts, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run == nil {
		return fmt.Errorf("sync run %s not recorded", runID)
	}

	if flagJSON {
		if err := printRunJSON(run, attempts); err != nil {
			return err
		}
	} else {
		printRunText(run, attempts)
	}

	if run.State == store.RunFailed {
		return fmt.Errorf("sync run %s failed: %s", run.ID, run.ErrorText)
	}

	return nil
}

// buildScope translates the --kind and --project flags into a cascade scope.
func buildScope() (sync.Scope, error) {
	var scope sync.Scope

	if flagSyncKind != "" {
		kind := store.Kind(flagSyncKind)

		valid := false
		for _, k := range store.EntityKinds {
			if k == kind {
				valid = true

				break
			}
		}

		if !valid {
			return sync.Scope{}, fmt.Errorf("unknown kind %q (want directory, project, phase or elevation)", flagSyncKind)
		}

		scope.Kind = kind
	}

	if flagSyncProject != "" {
		id, err := uid.Parse(flagSyncProject)
		if err != nil {
			return sync.Scope{}, fmt.Errorf("invalid project id %q: %w", flagSyncProject, err)
		}

		scope.Project = id
	}

	return scope, nil
}

// runReport is the JSON shape for one finished run.
type runReport struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Counters countersReport  `json:"counters"`
	Error    string          `json:"error,omitempty"`
	Duration string          `json:"duration"`
	Attempts []attemptReport `json:"attempts"`
}

type countersReport struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func newCountersReport(c store.Counters) countersReport {
	return countersReport{
		Created:   c.Created,
		Updated:   c.Updated,
		Deleted:   c.Deleted,
		Unchanged: c.Unchanged,
		Skipped:   c.Skipped,
		Errors:    c.Errors,
	}
}

type attemptReport struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

func printRunJSON(run *store.SyncRun, attempts []store.SyncAttempt) error {
	report := runReport{
		ID:       run.ID,
		State:    string(run.State),
		Counters: newCountersReport(run.Counters),
		Error:    run.ErrorText,
		Duration: run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
		Attempts: make([]attemptReport, 0, len(attempts)),
	}

	for _, a := range attempts {
		report.Attempts = append(report.Attempts, attemptReport{
			Kind:   string(a.Kind),
			Target: a.Target,
			State:  string(a.State),
			Error:  a.ErrorMessage,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printRunText(run *store.SyncRun, attempts []store.SyncAttempt) {
	c := run.Counters
	fmt.Printf("Run %s: %s in %s\n", run.ID, run.State,
		run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Printf("  created=%d updated=%d deleted=%d unchanged=%d skipped=%d errors=%d\n",
		c.Created, c.Updated, c.Deleted, c.Unchanged, c.Skipped, c.Errors)

	for _, a := range attempts {
		if a.State != store.AttemptFailed {
			continue
		}

		fmt.Printf("  FAILED %s %s: %s\n", a.Kind, a.Target, a.ErrorMessage)
	}
}
