package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrConfigCycle rejects policy writes that would make depends_on cyclic.
var ErrConfigCycle = errors.New("store: depends_on graph has a cycle")

// ErrUnknownDependency rejects depends_on entries naming no existing kind.
var ErrUnknownDependency = errors.New("store: depends_on references unknown object type")

// ObjectSyncConfig is the per-kind sync policy row.
type ObjectSyncConfig struct {
	ObjectType         Kind
	Interval           time.Duration
	StalenessThreshold time.Duration
	Priority           int
	DependsOn          []Kind
	Enabled            bool
	BatchSize          int
	MaxRetries         int
	RetryDelay         time.Duration
	LastSync           time.Time
	LastAttempt        time.Time
}

// defaultConfigs seeds the registry on first startup: the four entity kinds
// in dependency chain, the parts parser, and the audit-log housekeeping.
var defaultConfigs = []ObjectSyncConfig{
	{ObjectType: KindDirectory, Interval: 6 * time.Hour, StalenessThreshold: 24 * time.Hour, Priority: 10, Enabled: true, BatchSize: 100, MaxRetries: 3, RetryDelay: time.Minute},
	{ObjectType: KindProject, Interval: time.Hour, StalenessThreshold: 12 * time.Hour, Priority: 20, DependsOn: []Kind{KindDirectory}, Enabled: true, BatchSize: 100, MaxRetries: 3, RetryDelay: time.Minute},
	{ObjectType: KindPhase, Interval: time.Hour, StalenessThreshold: 12 * time.Hour, Priority: 30, DependsOn: []Kind{KindProject}, Enabled: true, BatchSize: 100, MaxRetries: 3, RetryDelay: time.Minute},
	{ObjectType: KindElevation, Interval: time.Hour, StalenessThreshold: 12 * time.Hour, Priority: 40, DependsOn: []Kind{KindPhase}, Enabled: true, BatchSize: 50, MaxRetries: 3, RetryDelay: time.Minute},
	{ObjectType: KindPartsParser, Interval: 5 * time.Minute, StalenessThreshold: 24 * time.Hour, Priority: 50, DependsOn: []Kind{KindElevation}, Enabled: true, BatchSize: 20, MaxRetries: 3, RetryDelay: 5 * time.Minute},
	{ObjectType: KindErrorLogCleanup, Interval: 24 * time.Hour, StalenessThreshold: 0, Priority: 90, Enabled: true, BatchSize: 1000, MaxRetries: 1, RetryDelay: time.Hour},
}

// SeedDefaultConfigs inserts missing default policy rows. Existing rows are
// left untouched so operator edits survive restarts.
func (s *Store) SeedDefaultConfigs(ctx context.Context) error {
	for _, cfg := range defaultConfigs {
		deps, err := json.Marshal(cfg.DependsOn)
		if err != nil {
			return fmt.Errorf("store: encoding depends_on: %w", err)
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO object_sync_configs
				(object_type, interval_seconds, staleness_seconds, priority, depends_on,
				 enabled, batch_size, max_retries, retry_delay_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (object_type) DO NOTHING`,
			cfg.ObjectType, int64(cfg.Interval.Seconds()), int64(cfg.StalenessThreshold.Seconds()),
			cfg.Priority, string(deps), cfg.Enabled, cfg.BatchSize, cfg.MaxRetries,
			int64(cfg.RetryDelay.Seconds()))
		if err != nil {
			return fmt.Errorf("store: seed config %s: %w", cfg.ObjectType, err)
		}
	}

	return nil
}

func scanConfig(row interface{ Scan(...any) error }) (*ObjectSyncConfig, error) {
	var (
		cfg                 ObjectSyncConfig
		intervalS, staleS   int64
		retryDelayS         int64
		depsJSON            string
		lastSync, lastTried *int64
	)

	err := row.Scan(&cfg.ObjectType, &intervalS, &staleS, &cfg.Priority, &depsJSON,
		&cfg.Enabled, &cfg.BatchSize, &cfg.MaxRetries, &retryDelayS, &lastSync, &lastTried)
	if err != nil {
		return nil, err
	}

	cfg.Interval = time.Duration(intervalS) * time.Second
	cfg.StalenessThreshold = time.Duration(staleS) * time.Second
	cfg.RetryDelay = time.Duration(retryDelayS) * time.Second
	cfg.LastSync = nanosToTime(lastSync)
	cfg.LastAttempt = nanosToTime(lastTried)

	if err := json.Unmarshal([]byte(depsJSON), &cfg.DependsOn); err != nil {
		return nil, fmt.Errorf("decoding depends_on: %w", err)
	}

	return &cfg, nil
}

const configColumns = `object_type, interval_seconds, staleness_seconds, priority, depends_on,
	enabled, batch_size, max_retries, retry_delay_seconds, last_sync, last_attempt`

// GetConfig returns the policy for one kind, or nil when absent.
func (s *Store) GetConfig(ctx context.Context, kind Kind) (*ObjectSyncConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM object_sync_configs WHERE object_type = ?`, kind)

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: get config %s: %w", kind, err)
	}

	return cfg, nil
}

// ListConfigs returns all policy rows ordered by priority.
func (s *Store) ListConfigs(ctx context.Context) ([]ObjectSyncConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM object_sync_configs ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("store: list configs: %w", err)
	}
	defer rows.Close()

	var result []ObjectSyncConfig

	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning config: %w", err)
		}

		result = append(result, *cfg)
	}

	return result, rows.Err()
}

// PutConfig writes a policy row. The depends_on graph across all rows must
// stay acyclic and reference only existing object types.
func (s *Store) PutConfig(ctx context.Context, cfg ObjectSyncConfig) error {
	existing, err := s.ListConfigs(ctx)
	if err != nil {
		return err
	}

	graph := make(map[Kind][]Kind, len(existing)+1)
	known := make(map[Kind]bool, len(existing)+1)

	for _, c := range existing {
		graph[c.ObjectType] = c.DependsOn
		known[c.ObjectType] = true
	}

	graph[cfg.ObjectType] = cfg.DependsOn
	known[cfg.ObjectType] = true

	for _, dep := range cfg.DependsOn {
		if !known[dep] {
			return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, cfg.ObjectType, dep)
		}
	}

	if hasCycle(graph) {
		return fmt.Errorf("%w: writing %s", ErrConfigCycle, cfg.ObjectType)
	}

	deps, err := json.Marshal(cfg.DependsOn)
	if err != nil {
		return fmt.Errorf("store: encoding depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO object_sync_configs
			(object_type, interval_seconds, staleness_seconds, priority, depends_on,
			 enabled, batch_size, max_retries, retry_delay_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (object_type) DO UPDATE SET
			interval_seconds    = excluded.interval_seconds,
			staleness_seconds   = excluded.staleness_seconds,
			priority            = excluded.priority,
			depends_on          = excluded.depends_on,
			enabled             = excluded.enabled,
			batch_size          = excluded.batch_size,
			max_retries         = excluded.max_retries,
			retry_delay_seconds = excluded.retry_delay_seconds`,
		cfg.ObjectType, int64(cfg.Interval.Seconds()), int64(cfg.StalenessThreshold.Seconds()),
		cfg.Priority, string(deps), cfg.Enabled, cfg.BatchSize, cfg.MaxRetries,
		int64(cfg.RetryDelay.Seconds()))
	if err != nil {
		return fmt.Errorf("store: put config %s: %w", cfg.ObjectType, err)
	}

	return nil
}

// SetLastSync stamps a successful sweep completion for the kind.
func (s *Store) SetLastSync(ctx context.Context, kind Kind, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE object_sync_configs SET last_sync = ?, last_attempt = ? WHERE object_type = ?`,
		t.UnixNano(), t.UnixNano(), kind)
	if err != nil {
		return fmt.Errorf("store: set last_sync %s: %w", kind, err)
	}

	return nil
}

// SetLastAttempt stamps an attempted sweep, successful or not.
func (s *Store) SetLastAttempt(ctx context.Context, kind Kind, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE object_sync_configs SET last_attempt = ? WHERE object_type = ?`,
		t.UnixNano(), kind)
	if err != nil {
		return fmt.Errorf("store: set last_attempt %s: %w", kind, err)
	}

	return nil
}

// DependencyOrder returns the enabled entity kinds topologically sorted by
// depends_on, dependencies first. Ties break by priority, then name, so the
// order is deterministic.
func (s *Store) DependencyOrder(ctx context.Context) ([]ObjectSyncConfig, error) {
	configs, err := s.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}

	entity := make(map[Kind]bool, len(EntityKinds))
	for _, k := range EntityKinds {
		entity[k] = true
	}

	byKind := make(map[Kind]ObjectSyncConfig, len(configs))
	graph := make(map[Kind][]Kind, len(configs))

	for _, cfg := range configs {
		if !entity[cfg.ObjectType] || !cfg.Enabled {
			continue
		}

		byKind[cfg.ObjectType] = cfg
		graph[cfg.ObjectType] = cfg.DependsOn
	}

	order, err := topoSort(graph, func(k Kind) int { return byKind[k].Priority })
	if err != nil {
		return nil, err
	}

	sorted := make([]ObjectSyncConfig, 0, len(order))
	for _, k := range order {
		sorted = append(sorted, byKind[k])
	}

	return sorted, nil
}

// topoSort is Kahn's algorithm with deterministic tie-breaking. Edges point
// from a kind to the kinds it depends on; output lists dependencies first.
func topoSort(graph map[Kind][]Kind, rank func(Kind) int) ([]Kind, error) {
	indegree := make(map[Kind]int, len(graph))
	dependents := make(map[Kind][]Kind, len(graph))

	for k := range graph {
		indegree[k] = 0
	}

	for k, deps := range graph {
		for _, dep := range deps {
			if _, ok := graph[dep]; !ok {
				// Dependency on a disabled or non-entity kind does not
				// gate ordering.
				continue
			}

			indegree[k]++

			dependents[dep] = append(dependents[dep], k)
		}
	}

	var ready []Kind

	for k, deg := range indegree {
		if deg == 0 {
			ready = append(ready, k)
		}
	}

	var order []Kind

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ri, rj := rank(ready[i]), rank(ready[j]); ri != rj {
				return ri < rj
			}

			return ready[i] < ready[j]
		})

		k := ready[0]
		ready = ready[1:]
		order = append(order, k)

		for _, dep := range dependents[k] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(graph) {
		return nil, ErrConfigCycle
	}

	return order, nil
}

func hasCycle(graph map[Kind][]Kind) bool {
	// Restrict edges to known nodes, then reuse the sort.
	pruned := make(map[Kind][]Kind, len(graph))

	for k, deps := range graph {
		var kept []Kind

		for _, dep := range deps {
			if _, ok := graph[dep]; ok {
				kept = append(kept, dep)
			}
		}

		pruned[k] = kept
	}

	_, err := topoSort(pruned, func(Kind) int { return 0 })

	return err != nil
}
