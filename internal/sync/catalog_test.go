package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/upstream"
)

// catalogItem is one entry in the fake upstream's tree.
type catalogItem struct {
	ID        string
	Name      string
	ChangedAt int64
	HasParts  bool
}

// fakeCatalog is a session-stateful fake of the upstream API. Cursor state
// is tracked per bearer token so pooled sessions do not trample each other,
// which is exactly the bug class the real upstream punishes.
type fakeCatalog struct {
	mu gosync.Mutex

	// Tree content. Directory children and projects key on the parent's
	// full path ("" = root); phases key on project id; elevations key on
	// "projectID/phaseID".
	dirs       map[string][]catalogItem
	projects   map[string][]catalogItem
	phases     map[string][]catalogItem
	elevations map[string][]catalogItem
	blobs      map[string][]byte
	thumbs     map[string][]byte

	// Fault injection.
	missingPaths    map[string]bool // navigate -> 404
	missingProjects map[string]bool // select project -> 404
	failPhaseList   map[string]bool // list phases for project -> 500
	logins          int

	sessions map[string]*cursorState
	nextTok  int
}

type cursorState struct {
	path      string
	projectID string
	phaseID   string
	elevID    string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		dirs:            map[string][]catalogItem{},
		projects:        map[string][]catalogItem{},
		phases:          map[string][]catalogItem{},
		elevations:      map[string][]catalogItem{},
		blobs:           map[string][]byte{},
		thumbs:          map[string][]byte{},
		missingPaths:    map[string]bool{},
		missingProjects: map[string]bool{},
		failPhaseList:   map[string]bool{},
		sessions:        map[string]*cursorState{},
	}
}

func (f *fakeCatalog) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)

		if creds["username"] != "erp" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		f.mu.Lock()
		f.nextTok++
		f.logins++
		tok := "tok-" + strconv.Itoa(f.nextTok)
		f.sessions[tok] = &cursorState{}
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{"token": tok, "expires_at": 1893456000})
	})

	mux.HandleFunc("DELETE /api/session", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/session/navigate", f.withSession(func(w http.ResponseWriter, r *http.Request, cs *cursorState) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		path := body["path"]
		if f.missingPaths[path] {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		cs.path = path
		cs.projectID, cs.phaseID, cs.elevID = "", "", ""
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("POST /api/session/project", f.withSession(func(w http.ResponseWriter, r *http.Request, cs *cursorState) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		id := body["id"]
		if f.missingProjects[id] {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		cs.projectID = id
		cs.phaseID, cs.elevID = "", ""
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("POST /api/session/phase", f.withSession(func(w http.ResponseWriter, r *http.Request, cs *cursorState) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.phaseID = body["id"]
		cs.elevID = ""
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("POST /api/session/elevation", f.withSession(func(w http.ResponseWriter, r *http.Request, cs *cursorState) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		cs.elevID = body["id"]
		w.WriteHeader(http.StatusOK)
	}))

	mux.HandleFunc("GET /api/directories", f.withSession(func(w http.ResponseWriter, _ *http.Request, cs *cursorState) {
		writeCatalogItems(w, f.dirs[cs.path])
	}))

	mux.HandleFunc("GET /api/projects", f.withSession(func(w http.ResponseWriter, _ *http.Request, cs *cursorState) {
		writeCatalogItems(w, f.projects[cs.path])
	}))

	mux.HandleFunc("GET /api/phases", f.withSession(func(w http.ResponseWriter, _ *http.Request, cs *cursorState) {
		if f.failPhaseList[cs.projectID] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeCatalogItems(w, f.phases[cs.projectID])
	}))

	mux.HandleFunc("GET /api/elevations", f.withSession(func(w http.ResponseWriter, _ *http.Request, cs *cursorState) {
		writeCatalogItems(w, f.elevations[cs.projectID+"/"+cs.phaseID])
	}))

	mux.HandleFunc("GET /api/partslist", f.withSession(func(w http.ResponseWriter, _ *http.Request, cs *cursorState) {
		_, _ = w.Write(f.blobs[cs.elevID])
	}))

	mux.HandleFunc("GET /api/elevations/{id}/thumbnail", f.withSession(func(w http.ResponseWriter, r *http.Request, _ *cursorState) {
		img, ok := f.thumbs[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		_, _ = w.Write(img)
	}))

	return mux
}

func (f *fakeCatalog) withSession(next func(http.ResponseWriter, *http.Request, *cursorState)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, _ := bearerToken(r)

		f.mu.Lock()
		defer f.mu.Unlock()

		cs, ok := f.sessions[tok]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next(w, r, cs)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "

	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) {
		return "", false
	}

	return h[len(prefix):], true
}

func writeCatalogItems(w http.ResponseWriter, items []catalogItem) {
	out := make([]map[string]any, 0, len(items))

	for _, it := range items {
		out = append(out, map[string]any{
			"id":         it.ID,
			"name":       it.Name,
			"changed_at": it.ChangedAt,
			"has_parts":  it.HasParts,
		})
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"items": out})
}

// testEnv bundles the pieces a cascade test needs.
type testEnv struct {
	store    *store.Store
	catalog  *fakeCatalog
	orch     *Orchestrator
	pool     *Pool
	blobDir  string
	imageDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SeedDefaultConfigs(t.Context()))

	catalog := newFakeCatalog()
	srv := httptest.NewServer(catalog.handler())
	t.Cleanup(srv.Close)

	client := upstream.NewClient(srv.URL, srv.Client(), 10000, logger,
		upstream.WithSleepFunc(func(_ context.Context, _ time.Duration) error { return nil }))

	pool := NewPool(client, upstream.Credentials{Username: "erp", Password: "secret"}, 2, logger)

	blobDir := t.TempDir()
	imageDir := t.TempDir()

	orch := NewOrchestrator(st, pool, NewEvaluator(nil), nil, blobDir, imageDir, logger)

	return &testEnv{
		store:    st,
		catalog:  catalog,
		orch:     orch,
		pool:     pool,
		blobDir:  blobDir,
		imageDir: imageDir,
	}
}
