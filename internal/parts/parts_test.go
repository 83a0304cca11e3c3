package parts

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halwerk/cadsync/internal/store"
	"github.com/halwerk/cadsync/internal/uid"
)

var (
	dirID  = uid.MustParse("aaaaaaaa-1111-4111-8111-111111111111")
	projID = uid.MustParse("11111111-aaaa-4aaa-8aaa-111111111111")
	phID   = uid.MustParse("cccccccc-1111-4111-8111-111111111111")
	elevID = uid.MustParse("eeeeeeee-1111-4111-8111-111111111111")
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.New(":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SeedDefaultConfigs(t.Context()))

	return st
}

// seedElevation creates the directory/project/phase chain and one elevation
// pointing at blobPath with parse_status pending.
func seedElevation(t *testing.T, st *store.Store, blobPath string) {
	t.Helper()

	ctx := t.Context()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
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
			{UpstreamID: projID, DirectoryID: dir.ID, Name: "P1"},
		}, now); err != nil {
			return err
		}

		proj, err := st.FindProjectByUpstreamID(ctx, tx, projID)
		if err != nil {
			return err
		}

		if err := st.UpsertPhases(ctx, tx, []store.Phase{
			{UpstreamID: phID, ProjectID: proj.ID, Name: "Ph1"},
		}, now); err != nil {
			return err
		}

		phase, err := st.FindPhase(ctx, tx, proj.ID, phID)
		if err != nil {
			return err
		}

		return st.UpsertElevations(ctx, tx, []store.Elevation{
			{UpstreamID: elevID, PhaseID: phase.ID, Name: "E1", HasParts: true},
		}, now)
	})
	require.NoError(t, err)

	hash, err := hashFile(blobPath)
	require.NoError(t, err)
	require.NoError(t, st.SetElevationBlob(ctx, nil, elevID, blobPath, hash))
}

// writeBlobFixture creates a parts blob with the expected schema: one frame
// row and four articles, two of them glass.
func writeBlobFixture(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE elevation (system TEXT, color TEXT, width_mm REAL, height_mm REAL)`,
		`INSERT INTO elevation VALUES ('AluPro 70', 'RAL 7016', 1230, 2450)`,
		`CREATE TABLE parts (id INTEGER PRIMARY KEY, article TEXT, category TEXT, description TEXT)`,
		`INSERT INTO parts (article, category, description) VALUES
			('FR-70-L', 'frame', 'outer frame left'),
			('FR-70-R', 'frame', 'outer frame right'),
			('GL-44-2', 'glass', '44.2 laminated'),
			('GL-44-2B', 'glass', '44.2 laminated acoustic')`,
	}

	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func TestRunBatch_ParsesPendingBlob(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	blobPath := filepath.Join(t.TempDir(), elevID.String()+".db")
	writeBlobFixture(t, blobPath)
	seedElevation(t, st, blobPath)

	w := NewWorker(st, t.TempDir(), 2, clockwork.NewFakeClock(), slog.New(slog.DiscardHandler))

	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := st.FindElevationByUpstreamID(ctx, nil, elevID)
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, store.ParseOK, e.ParseStatus)
	require.NotNil(t, e.PartsBlobHash)
	require.NotNil(t, e.Enrichment.System)
	assert.Equal(t, "AluPro 70", *e.Enrichment.System)
	assert.Equal(t, "RAL 7016", *e.Enrichment.Color)
	assert.InDelta(t, 1230.0, *e.Enrichment.WidthMM, 0.01)
	assert.InDelta(t, 2450.0, *e.Enrichment.HeightMM, 0.01)
	assert.EqualValues(t, 4, *e.Enrichment.PartsCount)
	require.NotNil(t, e.Enrichment.Glass)
	assert.Contains(t, *e.Enrichment.Glass, "44.2 laminated")

	// A second batch finds nothing to do.
	n, err = w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunBatch_BadBlobBurnsRetryWithBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	blobPath := filepath.Join(t.TempDir(), elevID.String()+".db")
	require.NoError(t, os.WriteFile(blobPath, []byte("not a database"), 0o644))
	seedElevation(t, st, blobPath)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	w := NewWorker(st, t.TempDir(), 2, clock, slog.New(slog.DiscardHandler))

	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := st.FindElevationByUpstreamID(ctx, nil, elevID)
	require.NoError(t, err)
	assert.Equal(t, store.ParseFailed, e.ParseStatus)
	assert.Equal(t, 1, e.ParseRetryCount)
	require.NotNil(t, e.ParseError)

	// The retry schedule keeps the row out of the next batch until the
	// backoff elapses.
	n, err = w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Hour)

	n, err = w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err = st.FindElevationByUpstreamID(ctx, nil, elevID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.ParseRetryCount)
}

func TestRunBatch_ExhaustedRetriesParkFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	blobPath := filepath.Join(t.TempDir(), elevID.String()+".db")
	require.NoError(t, os.WriteFile(blobPath, []byte("still not a database"), 0o644))
	seedElevation(t, st, blobPath)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	w := NewWorker(st, t.TempDir(), 2, clock, slog.New(slog.DiscardHandler))

	cfg, err := st.GetConfig(ctx, store.KindPartsParser)
	require.NoError(t, err)

	for range cfg.MaxRetries {
		n, err := w.RunBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		clock.Advance(24 * time.Hour)
	}

	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry budget exhausted")

	failed, err := st.FailedParseCount(ctx, cfg.MaxRetries)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestRunBatch_UnchangedHashRestoresWithoutReparse(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	// The stored hash matches the file on disk, but the file itself is not
	// a valid database — a real parse attempt would fail, so reaching ok
	// proves the blob was never reopened.
	blobPath := filepath.Join(t.TempDir(), elevID.String()+".db")
	require.NoError(t, os.WriteFile(blobPath, []byte("opaque but already parsed"), 0o644))
	seedElevation(t, st, blobPath)

	hash, err := hashFile(blobPath)
	require.NoError(t, err)

	system := "AluPro 70"
	count := int64(4)
	require.NoError(t, st.CompleteParse(ctx, elevID, store.Enrichment{System: &system, PartsCount: &count}, hash))

	// The next fetch re-marks it pending without touching the hash gate.
	_, err = st.DB().ExecContext(ctx,
		`UPDATE elevations SET parse_status = 'pending' WHERE upstream_id = ?`, elevID)
	require.NoError(t, err)

	w := NewWorker(st, t.TempDir(), 2, clockwork.NewFakeClock(), slog.New(slog.DiscardHandler))

	n, err := w.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := st.FindElevationByUpstreamID(ctx, nil, elevID)
	require.NoError(t, err)
	assert.Equal(t, store.ParseOK, e.ParseStatus)
	require.NotNil(t, e.Enrichment.System)
	assert.Equal(t, system, *e.Enrichment.System)
}

func TestRetryDelay(t *testing.T) {
	base := 5 * time.Minute

	assert.Equal(t, base, retryDelay(base, 0))
	assert.Equal(t, 10*time.Minute, retryDelay(base, 1))
	assert.Equal(t, 40*time.Minute, retryDelay(base, 3))
	assert.Equal(t, time.Hour, retryDelay(base, 10), "capped")
	assert.Equal(t, time.Minute, retryDelay(0, 0), "zero base gets a floor")
}
