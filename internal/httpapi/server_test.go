package httpapi

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

var (
	dirID   = uid.MustParse("aaaaaaaa-1111-4111-8111-111111111111")
	proj1ID = uid.MustParse("11111111-aaaa-4aaa-8aaa-111111111111")
	proj2ID = uid.MustParse("22222222-bbbb-4bbb-8bbb-222222222222")
	elev1ID = uid.MustParse("eeeeeeee-1111-4111-8111-111111111111")
	elev2ID = uid.MustParse("eeeeeeee-2222-4222-8222-222222222222")
)

var sentinel = uid.MustParse(uid.Sentinel)

// newTestServer seeds two projects that both carry the default-phase
// sentinel, each with one elevation, and returns a running test server.
func newTestServer(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()

	st, err := store.New(":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := t.Context()
	require.NoError(t, st.SeedDefaultConfigs(ctx))

	now := time.Now().Add(-time.Minute)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.UpsertDirectories(ctx, tx, []store.Directory{
			{UpstreamID: dirID, Name: "A", FullPath: "A"},
		}, now); err != nil {
			return err
		}

		dir, err := st.FindDirectoryByUpstreamID(ctx, tx, dirID)
		if err != nil {
			return err
		}

		if err := st.UpsertProjects(ctx, tx, []store.Project{
			{UpstreamID: proj1ID, DirectoryID: dir.ID, Name: "P1", Customer: "Acme"},
			{UpstreamID: proj2ID, DirectoryID: dir.ID, Name: "P2"},
		}, now); err != nil {
			return err
		}

		for _, p := range []struct {
			projID uid.ID
			elevID uid.ID
			name   string
		}{
			{proj1ID, elev1ID, "E1"},
			{proj2ID, elev2ID, "E2"},
		} {
			proj, err := st.FindProjectByUpstreamID(ctx, tx, p.projID)
			if err != nil {
				return err
			}

			if err := st.UpsertPhases(ctx, tx, []store.Phase{
				{UpstreamID: sentinel, ProjectID: proj.ID, Name: "Default"},
			}, now); err != nil {
				return err
			}

			phase, err := st.FindPhase(ctx, tx, proj.ID, sentinel)
			if err != nil {
				return err
			}

			if err := st.UpsertElevations(ctx, tx, []store.Elevation{
				{UpstreamID: p.elevID, PhaseID: phase.ID, Name: p.name, WidthMM: 1200, HeightMM: 2400},
			}, now); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(st, nil, slog.New(slog.DiscardHandler)).Router())
	t.Cleanup(srv.Close)

	return st, srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int) map[string]any {
	t.Helper()

	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

func TestListProjects(t *testing.T) {
	_, srv := newTestServer(t)

	out := getJSON(t, srv, "/projects", http.StatusOK)
	projects := out["projects"].([]any)
	require.Len(t, projects, 2)

	first := projects[0].(map[string]any)
	assert.Equal(t, "P1", first["name"])
	assert.Equal(t, "Acme", first["customer"])
	assert.EqualValues(t, 1, first["phase_count"])
	assert.EqualValues(t, 1, first["elevation_count"])
}

func TestGetProject(t *testing.T) {
	_, srv := newTestServer(t)

	out := getJSON(t, srv, "/projects/"+proj1ID.String(), http.StatusOK)
	assert.Equal(t, "P1", out["name"])

	phases := out["phases"].([]any)
	require.Len(t, phases, 1)

	phase := phases[0].(map[string]any)
	assert.Equal(t, uid.Sentinel, phase["id"])

	elevations := phase["elevations"].([]any)
	require.Len(t, elevations, 1)
	assert.Equal(t, "E1", elevations[0].(map[string]any)["name"])
}

func TestGetProject_Errors(t *testing.T) {
	_, srv := newTestServer(t)

	getJSON(t, srv, "/projects/99999999-9999-4999-8999-999999999999", http.StatusNotFound)
	getJSON(t, srv, "/projects/not-a-uuid", http.StatusBadRequest)
}

func TestGetProjectComplete_AutoSync(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := t.Context()

	// Freshly synced, upstream unchanged: no trigger.
	out := getJSON(t, srv, "/projects/"+proj1ID.String()+"/complete?auto_sync=true", http.StatusOK)
	assert.Equal(t, false, out["sync_triggered"])

	// Upstream reports a change newer than the last sync.
	_, err := st.DB().ExecContext(ctx,
		`UPDATE projects SET upstream_changed_at = ? WHERE upstream_id = ?`,
		time.Now().Add(time.Hour).UnixNano(), proj1ID)
	require.NoError(t, err)

	out = getJSON(t, srv, "/projects/"+proj1ID.String()+"/complete?auto_sync=true", http.StatusOK)
	assert.Equal(t, true, out["sync_triggered"])

	queued, _, err := st.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	// A repeat trigger collapses onto the queued task.
	getJSON(t, srv, "/projects/"+proj1ID.String()+"/complete?auto_sync=true", http.StatusOK)

	queued, _, err = st.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	// Without the flag the stale project is returned as-is.
	out = getJSON(t, srv, "/projects/"+proj1ID.String()+"/complete", http.StatusOK)
	assert.Equal(t, false, out["sync_triggered"])
}

func TestListElevations_CompositeLookup(t *testing.T) {
	_, srv := newTestServer(t)

	// Both projects own a sentinel phase; each lookup stays inside its
	// project.
	out := getJSON(t, srv, "/projects/"+proj1ID.String()+"/phases/"+uid.Sentinel+"/elevations", http.StatusOK)
	elevations := out["elevations"].([]any)
	require.Len(t, elevations, 1)
	assert.Equal(t, "E1", elevations[0].(map[string]any)["name"])

	out = getJSON(t, srv, "/projects/"+proj2ID.String()+"/phases/"+uid.Sentinel+"/elevations", http.StatusOK)
	elevations = out["elevations"].([]any)
	require.Len(t, elevations, 1)
	assert.Equal(t, "E2", elevations[0].(map[string]any)["name"])
}

func TestGetThumbnail(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := t.Context()

	img := []byte("png-bytes")
	path := filepath.Join(t.TempDir(), elev1ID.String()+"_E1.png")
	require.NoError(t, os.WriteFile(path, img, 0o644))
	require.NoError(t, st.SetElevationImage(ctx, nil, elev1ID, path))

	resp, err := srv.Client().Get(srv.URL + "/elevations/" + elev1ID.String() + "/thumbnail")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, img, buf.Bytes())

	// No stored image yet.
	getJSON(t, srv, "/elevations/"+elev2ID.String()+"/thumbnail", http.StatusNotFound)
}

func TestTriggerSync(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := t.Context()

	resp, err := srv.Client().Post(srv.URL+"/sync/full", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/sync/project/"+proj1ID.String(), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotZero(t, out["task_id"])

	queued, _, err := st.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	// Unknown project does not enqueue.
	resp, err = srv.Client().Post(srv.URL+"/sync/project/99999999-9999-4999-8999-999999999999", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRun(t *testing.T) {
	st, srv := newTestServer(t)
	ctx := t.Context()

	now := time.Now()
	runID, err := st.CreateRun(ctx, store.KindProject, now)
	require.NoError(t, err)
	require.NoError(t, st.StartRun(ctx, runID, now))
	require.NoError(t, st.RecordAttempt(ctx, nil, store.SyncAttempt{
		RunID:     runID,
		Kind:      store.KindProject,
		Target:    "A",
		State:     store.AttemptDone,
		Counters:  store.Counters{Created: 2},
		StartedAt: now,
		EndedAt:   now.Add(time.Second),
	}))
	require.NoError(t, st.FinishRun(ctx, nil, runID, store.RunDone, store.Counters{Created: 2}, "", now.Add(time.Second)))

	out := getJSON(t, srv, "/sync/runs/"+runID, http.StatusOK)
	assert.Equal(t, "done", out["state"])

	attempts := out["attempts"].([]any)
	require.Len(t, attempts, 1)
	assert.Equal(t, "A", attempts[0].(map[string]any)["target"])

	getJSON(t, srv, "/sync/runs/no-such-run", http.StatusNotFound)
}

func TestConfigReadWrite(t *testing.T) {
	_, srv := newTestServer(t)

	out := getJSON(t, srv, "/sync/config/project", http.StatusOK)
	assert.Equal(t, "project", out["object_type"])
	assert.EqualValues(t, 3600, out["interval_seconds"])

	body := map[string]any{
		"interval_seconds":    1800,
		"staleness_seconds":   7200,
		"priority":            20,
		"depends_on":          []string{"directory"},
		"enabled":             true,
		"batch_size":          50,
		"max_retries":         4,
		"retry_delay_seconds": 120,
	}

	resp := putJSON(t, srv, "/sync/config/project", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out = getJSON(t, srv, "/sync/config/project", http.StatusOK)
	assert.EqualValues(t, 1800, out["interval_seconds"])
	assert.EqualValues(t, 4, out["max_retries"])

	// A self-dependency is a cycle.
	body["depends_on"] = []string{"project"}
	resp = putJSON(t, srv, "/sync/config/project", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getJSON(t, srv, "/sync/config/nonsense", http.StatusNotFound)
}

func putJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)

	return resp
}
