package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

type runJSON struct {
	ID        string         `json:"id"`
	Kind      store.Kind     `json:"kind"`
	State     store.RunState `json:"state"`
	Counters  countersJSON   `json:"counters"`
	Error     string         `json:"error,omitempty"`
	StartedAt *time.Time     `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at"`
	Attempts  []attemptJSON  `json:"attempts"`
}

type attemptJSON struct {
	Kind          store.Kind         `json:"kind"`
	Target        string             `json:"target"`
	State         store.AttemptState `json:"state"`
	Counters      countersJSON       `json:"counters"`
	ErrorCategory string             `json:"error_category,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	StartedAt     *time.Time         `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at"`
}

type countersJSON struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func toCountersJSON(c store.Counters) countersJSON {
	return countersJSON{
		Created:   c.Created,
		Updated:   c.Updated,
		Deleted:   c.Deleted,
		Unchanged: c.Unchanged,
		Skipped:   c.Skipped,
		Errors:    c.Errors,
	}
}

// configJSON mirrors the ObjectSyncConfig row; durations travel as seconds
// to match the registry's storage unit.
type configJSON struct {
	ObjectType        store.Kind   `json:"object_type"`
	IntervalSeconds   int64        `json:"interval_seconds"`
	StalenessSeconds  int64        `json:"staleness_seconds"`
	Priority          int          `json:"priority"`
	DependsOn         []store.Kind `json:"depends_on"`
	Enabled           bool         `json:"enabled"`
	BatchSize         int          `json:"batch_size"`
	MaxRetries        int          `json:"max_retries"`
	RetryDelaySeconds int64        `json:"retry_delay_seconds"`
	LastSync          *time.Time   `json:"last_sync,omitempty"`
	LastAttempt       *time.Time   `json:"last_attempt,omitempty"`
}

func (s *Server) triggerFullSync(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.store.EnqueueTask(r.Context(), store.TaskCascadeFull, nil, time.Time{}, time.Now())
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) triggerProjectSync(w http.ResponseWriter, r *http.Request) {
	id, err := uid.Parse(chi.URLParam(r, "id"))
	if err != nil || id.IsZero() {
		s.writeError(w, http.StatusBadRequest, "malformed project id")
		return
	}

	proj, err := s.store.FindProjectByUpstreamID(r.Context(), nil, id)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if proj == nil {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}

	payload := map[string]string{"project_id": id.String()}

	taskID, err := s.store.EnqueueTask(r.Context(), store.TaskCascadeProject, payload, time.Time{}, time.Now())
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, attempts, err := s.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.internalError(w, err)
		return
	}

	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	out := runJSON{
		ID:        run.ID,
		Kind:      run.Kind,
		State:     run.State,
		Counters:  toCountersJSON(run.Counters),
		Error:     run.ErrorText,
		StartedAt: timePtr(run.StartedAt),
		EndedAt:   timePtr(run.EndedAt),
		Attempts:  make([]attemptJSON, 0, len(attempts)),
	}

	for _, a := range attempts {
		out.Attempts = append(out.Attempts, attemptJSON{
			Kind:          a.Kind,
			Target:        a.Target,
			State:         a.State,
			Counters:      toCountersJSON(a.Counters),
			ErrorCategory: string(a.ErrorCategory),
			ErrorMessage:  a.ErrorMessage,
			StartedAt:     timePtr(a.StartedAt),
			EndedAt:       timePtr(a.EndedAt),
		})
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context(), store.Kind(chi.URLParam(r, "kind")))
	if err != nil {
		s.internalError(w, err)
		return
	}

	if cfg == nil {
		s.writeError(w, http.StatusNotFound, "unknown object type")
		return
	}

	s.writeJSON(w, http.StatusOK, configJSON{
		ObjectType:        cfg.ObjectType,
		IntervalSeconds:   int64(cfg.Interval.Seconds()),
		StalenessSeconds:  int64(cfg.StalenessThreshold.Seconds()),
		Priority:          cfg.Priority,
		DependsOn:         cfg.DependsOn,
		Enabled:           cfg.Enabled,
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		RetryDelaySeconds: int64(cfg.RetryDelay.Seconds()),
		LastSync:          timePtr(cfg.LastSync),
		LastAttempt:       timePtr(cfg.LastAttempt),
	})
}

// putConfig overwrites the policy row for the kind in the path. The
// object_type in the body, if present, must agree with the path.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	kind := store.Kind(chi.URLParam(r, "kind"))

	existing, err := s.store.GetConfig(r.Context(), kind)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if existing == nil {
		s.writeError(w, http.StatusNotFound, "unknown object type")
		return
	}

	var in configJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	if in.ObjectType != "" && in.ObjectType != kind {
		s.writeError(w, http.StatusBadRequest, "object_type does not match path")
		return
	}

	cfg := store.ObjectSyncConfig{
		ObjectType:         kind,
		Interval:           time.Duration(in.IntervalSeconds) * time.Second,
		StalenessThreshold: time.Duration(in.StalenessSeconds) * time.Second,
		Priority:           in.Priority,
		DependsOn:          in.DependsOn,
		Enabled:            in.Enabled,
		BatchSize:          in.BatchSize,
		MaxRetries:         in.MaxRetries,
		RetryDelay:         time.Duration(in.RetryDelaySeconds) * time.Second,
	}

	if err := s.store.PutConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, store.ErrConfigCycle) || errors.Is(err, store.ErrUnknownDependency) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		s.internalError(w, err)

		return
	}

	s.getConfig(w, r)
}
