package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

// JSON shapes. Identifiers are the upstream UUIDs; internal row ids never
// leave the process. Absent timestamps render as null.
type projectJSON struct {
	ID                uid.ID      `json:"id"`
	Name              string      `json:"name"`
	Customer          string      `json:"customer,omitempty"`
	OfferNumber       string      `json:"offer_number,omitempty"`
	SyncStatus        string      `json:"sync_status"`
	UpstreamChangedAt *time.Time  `json:"upstream_changed_at"`
	LocalSyncedAt     *time.Time  `json:"local_synced_at"`
	PhaseCount        int         `json:"phase_count,omitempty"`
	ElevationCount    int         `json:"elevation_count,omitempty"`
	Phases            []phaseJSON `json:"phases,omitempty"`
}

type phaseJSON struct {
	ID         uid.ID          `json:"id"`
	Name       string          `json:"name"`
	SyncStatus string          `json:"sync_status"`
	Elevations []elevationJSON `json:"elevations,omitempty"`
}

type elevationJSON struct {
	ID           uid.ID            `json:"id"`
	Name         string            `json:"name"`
	WidthMM      float64           `json:"width_mm"`
	HeightMM     float64           `json:"height_mm"`
	HasParts     bool              `json:"has_parts"`
	HasThumbnail bool              `json:"has_thumbnail"`
	ParseStatus  store.ParseStatus `json:"parse_status"`
	Enrichment   *enrichmentJSON   `json:"parsed,omitempty"`
}

type enrichmentJSON struct {
	System     *string  `json:"system,omitempty"`
	Color      *string  `json:"color,omitempty"`
	Glass      *string  `json:"glass,omitempty"`
	PartsCount *int64   `json:"parts_count,omitempty"`
	WidthMM    *float64 `json:"width_mm,omitempty"`
	HeightMM   *float64 `json:"height_mm,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func toElevationJSON(e store.Elevation) elevationJSON {
	out := elevationJSON{
		ID:           e.UpstreamID,
		Name:         e.Name,
		WidthMM:      e.WidthMM,
		HeightMM:     e.HeightMM,
		HasParts:     e.HasParts,
		HasThumbnail: e.ImagePath != nil,
		ParseStatus:  e.ParseStatus,
	}

	if e.ParseStatus == store.ParseOK {
		out.Enrichment = &enrichmentJSON{
			System:     e.Enrichment.System,
			Color:      e.Enrichment.Color,
			Glass:      e.Enrichment.Glass,
			PartsCount: e.Enrichment.PartsCount,
			WidthMM:    e.Enrichment.WidthMM,
			HeightMM:   e.Enrichment.HeightMM,
		}
	}

	return out
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListProjectSummaries(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := make([]projectJSON, 0, len(summaries))

	for _, ps := range summaries {
		out = append(out, projectJSON{
			ID:                ps.UpstreamID,
			Name:              ps.Name,
			Customer:          ps.Customer,
			OfferNumber:       ps.OfferNumber,
			SyncStatus:        string(ps.SyncStatus),
			UpstreamChangedAt: timePtr(ps.UpstreamChangedAt),
			LocalSyncedAt:     timePtr(ps.LocalSyncedAt),
			PhaseCount:        ps.PhaseCount,
			ElevationCount:    ps.ElevationCount,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

// findProject resolves the {id} path parameter to a project row, writing
// the error response itself when resolution fails.
func (s *Server) findProject(w http.ResponseWriter, r *http.Request) *store.Project {
	id, err := uid.Parse(chi.URLParam(r, "id"))
	if err != nil || id.IsZero() {
		s.writeError(w, http.StatusBadRequest, "malformed project id")
		return nil
	}

	proj, err := s.store.FindProjectByUpstreamID(r.Context(), nil, id)
	if err != nil {
		s.internalError(w, err)
		return nil
	}

	if proj == nil {
		s.writeError(w, http.StatusNotFound, "project not found")
		return nil
	}

	return proj
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	proj := s.findProject(w, r)
	if proj == nil {
		return
	}

	out, err := s.projectDetail(r.Context(), proj)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, out)
}

// getProjectComplete is getProject plus the auto_sync=true contract: when
// the project is stale per the registry threshold, a scoped cascade task is
// enqueued and the (still stale) mirror state is returned immediately.
func (s *Server) getProjectComplete(w http.ResponseWriter, r *http.Request) {
	proj := s.findProject(w, r)
	if proj == nil {
		return
	}

	ctx := r.Context()

	triggered := false

	if r.URL.Query().Get("auto_sync") == "true" {
		cfg, err := s.store.GetConfig(ctx, store.KindProject)
		if err != nil {
			s.internalError(w, err)
			return
		}

		if s.eval.StaleEntity(proj.LocalSyncedAt, proj.UpstreamChangedAt, cfg) {
			payload := map[string]string{"project_id": proj.UpstreamID.String()}

			if _, err := s.store.EnqueueTask(ctx, store.TaskCascadeProject, payload, time.Time{}, time.Now()); err != nil {
				s.internalError(w, err)
				return
			}

			triggered = true
		}
	}

	out, err := s.projectDetail(ctx, proj)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"project":        out,
		"sync_triggered": triggered,
	})
}

func (s *Server) projectDetail(ctx context.Context, proj *store.Project) (projectJSON, error) {
	out := projectJSON{
		ID:                proj.UpstreamID,
		Name:              proj.Name,
		Customer:          proj.Customer,
		OfferNumber:       proj.OfferNumber,
		SyncStatus:        string(proj.SyncStatus),
		UpstreamChangedAt: timePtr(proj.UpstreamChangedAt),
		LocalSyncedAt:     timePtr(proj.LocalSyncedAt),
	}

	phases, err := s.store.ListPhasesByProject(ctx, nil, proj.ID)
	if err != nil {
		return out, err
	}

	for _, ph := range phases {
		pj := phaseJSON{
			ID:         ph.UpstreamID,
			Name:       ph.Name,
			SyncStatus: string(ph.SyncStatus),
		}

		elevations, err := s.store.ListElevationsByPhase(ctx, nil, ph.ID)
		if err != nil {
			return out, err
		}

		for _, e := range elevations {
			pj.Elevations = append(pj.Elevations, toElevationJSON(e))
		}

		out.Phases = append(out.Phases, pj)
	}

	return out, nil
}

func (s *Server) listPhases(w http.ResponseWriter, r *http.Request) {
	proj := s.findProject(w, r)
	if proj == nil {
		return
	}

	phases, err := s.store.ListPhasesByProject(r.Context(), nil, proj.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := make([]phaseJSON, 0, len(phases))

	for _, ph := range phases {
		out = append(out, phaseJSON{
			ID:         ph.UpstreamID,
			Name:       ph.Name,
			SyncStatus: string(ph.SyncStatus),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"phases": out})
}

// listElevations resolves the phase with the composite (project, phase)
// key: phase upstream ids are only unique within a project, so a flat
// lookup could leak another project's phase.
func (s *Server) listElevations(w http.ResponseWriter, r *http.Request) {
	proj := s.findProject(w, r)
	if proj == nil {
		return
	}

	phaseID, err := uid.Parse(chi.URLParam(r, "phase_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed phase id")
		return
	}

	phase, err := s.store.FindPhase(r.Context(), nil, proj.ID, phaseID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if phase == nil {
		s.writeError(w, http.StatusNotFound, "phase not found")
		return
	}

	elevations, err := s.store.ListElevationsByPhase(r.Context(), nil, phase.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	out := make([]elevationJSON, 0, len(elevations))
	for _, e := range elevations {
		out = append(out, toElevationJSON(e))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"elevations": out})
}

func (s *Server) getThumbnail(w http.ResponseWriter, r *http.Request) {
	id, err := uid.Parse(chi.URLParam(r, "id"))
	if err != nil || id.IsZero() {
		s.writeError(w, http.StatusBadRequest, "malformed elevation id")
		return
	}

	elev, err := s.store.FindElevationByUpstreamID(r.Context(), nil, id)
	if err != nil {
		s.internalError(w, err)
		return
	}

	if elev == nil || elev.ImagePath == nil {
		s.writeError(w, http.StatusNotFound, "no thumbnail")
		return
	}

	http.ServeFile(w, r, *elev.ImagePath)
}
