package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/halwerk/cadsync/internal/uid"
)

// Session is one authenticated conversation with the upstream API. The
// upstream is session-stateful: queries are relative to the session's
// current directory path and its selected project / phase / elevation
// cursors. All cursor mutations go through the methods here.
//
// A Session is not safe for concurrent use. The session pool loans each
// session to exactly one worker at a time.
type Session struct {
	client *Client

	token   string
	expires time.Time

	// Cursor state. path is the slash-joined current directory; the empty
	// string is the root, which is a valid directory cursor.
	path        string
	projectID   uid.ID
	phaseID     uid.ID
	elevationID uid.ID

	corrupt bool
}

// NewSession creates an unauthenticated session over the given transport.
func NewSession(client *Client) *Session {
	return &Session{client: client}
}

// Corrupt reports whether the session has observed a corruption signal
// (401/409). A corrupt session must be invalidated, not released.
func (s *Session) Corrupt() bool {
	return s.corrupt
}

// Cursors returns the current navigation state, for logging.
func (s *Session) Cursors() (path string, project, phase uid.ID) {
	return s.path, s.projectID, s.phaseID
}

// fail records corruption signals and returns the error unchanged.
func (s *Session) fail(err error) error {
	if errors.Is(err, ErrSessionCorrupt) {
		s.corrupt = true
	}

	return err
}

// --- raw API response shapes ---
// Unexported; callers only ever see the normalized Entry.

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix, seconds or milliseconds
}

type entryResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	ChangedAt   int64   `json:"changed_at"`
	Customer    string  `json:"customer"`
	OfferNumber string  `json:"offer_number"`
	WidthMM     float64 `json:"width_mm"`
	HeightMM    float64 `json:"height_mm"`
	HasParts    bool    `json:"has_parts"`
}

type listResponse struct {
	Items []entryResponse `json:"items"`
}

// toEntry normalizes one raw API entry. Identifier normalization happens
// here so nothing downstream ever sees a compact-form id. A zero-UUID id is
// preserved — it is the "default child" sentinel, not an absent value.
func toEntry(raw entryResponse) (Entry, error) {
	id, err := uid.Parse(raw.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry %q has malformed id: %v", ErrBadRequest, raw.Name, err)
	}

	return Entry{
		ID:          id,
		Name:        raw.Name,
		Path:        raw.Path,
		ChangedAt:   parseTimestamp(raw.ChangedAt),
		Customer:    raw.Customer,
		OfferNumber: raw.OfferNumber,
		WidthMM:     raw.WidthMM,
		HeightMM:    raw.HeightMM,
		HasParts:    raw.HasParts,
	}, nil
}

// Login authenticates the session. On success the current path is the root
// directory and all selection cursors are clear.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	body, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return fmt.Errorf("upstream: encoding login request: %w", err)
	}

	resp, err := s.client.do(ctx, http.MethodPost, "/api/session", "", body)
	if err != nil {
		// A 401/403 on login is an auth failure, not a corrupt session.
		if errors.Is(err, ErrSessionCorrupt) {
			return fmt.Errorf("login: %w", ErrAuthFailed)
		}

		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("login: decoding response: %w", err)
	}

	s.token = lr.Token
	s.expires = parseTimestamp(lr.ExpiresAt)
	s.path = ""
	s.projectID = uid.ID{}
	s.phaseID = uid.ID{}
	s.elevationID = uid.ID{}
	s.corrupt = false

	return nil
}

// Logout ends the session. Errors are ignored beyond logging — a session
// being discarded has nothing to recover.
func (s *Session) Logout(ctx context.Context) {
	if s.token == "" {
		return
	}

	resp, err := s.client.do(ctx, http.MethodDelete, "/api/session", s.token, nil)
	if err == nil {
		resp.Body.Close()
	}

	s.token = ""
}

// Navigate sets the current directory path. Selection cursors reset because
// they were relative to the previous path. Navigation never touches local
// store state.
func (s *Session) Navigate(ctx context.Context, path string) error {
	if err := s.postCursor(ctx, "/api/session/navigate", map[string]string{"path": path}); err != nil {
		return s.fail(fmt.Errorf("navigate %q: %w", path, err))
	}

	s.path = path
	s.projectID = uid.ID{}
	s.phaseID = uid.ID{}
	s.elevationID = uid.ID{}

	return nil
}

// SelectProject sets the project cursor. A not_found means the project no
// longer exists upstream; callers translate that to entity deletion.
func (s *Session) SelectProject(ctx context.Context, id uid.ID) error {
	if err := s.postCursor(ctx, "/api/session/project", map[string]string{"id": id.String()}); err != nil {
		return s.fail(fmt.Errorf("select project %s: %w", id, err))
	}

	s.projectID = id
	s.phaseID = uid.ID{}
	s.elevationID = uid.ID{}

	return nil
}

// SelectPhase sets the phase cursor; requires a selected project.
func (s *Session) SelectPhase(ctx context.Context, id uid.ID) error {
	if s.projectID.IsZero() {
		return fmt.Errorf("select phase: %w (project)", ErrCursorUnset)
	}

	if err := s.postCursor(ctx, "/api/session/phase", map[string]string{"id": id.String()}); err != nil {
		return s.fail(fmt.Errorf("select phase %s: %w", id, err))
	}

	s.phaseID = id
	s.elevationID = uid.ID{}

	return nil
}

// SelectElevation sets the elevation cursor; requires a selected phase.
// Needed before FetchPartsBlob.
func (s *Session) SelectElevation(ctx context.Context, id uid.ID) error {
	if s.phaseID.IsZero() {
		return fmt.Errorf("select elevation: %w (phase)", ErrCursorUnset)
	}

	if err := s.postCursor(ctx, "/api/session/elevation", map[string]string{"id": id.String()}); err != nil {
		return s.fail(fmt.Errorf("select elevation %s: %w", id, err))
	}

	s.elevationID = id

	return nil
}

// ListDirectories lists subdirectories of the current path. Valid from any
// directory cursor state, including the root.
func (s *Session) ListDirectories(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, "/api/directories")
}

// ListProjects lists projects in the current directory.
func (s *Session) ListProjects(ctx context.Context) ([]Entry, error) {
	return s.list(ctx, "/api/projects")
}

// ListPhases lists phases of the selected project. The upstream may return
// a zero-id sentinel entry meaning "the default phase"; it is preserved.
func (s *Session) ListPhases(ctx context.Context) ([]Entry, error) {
	if s.projectID.IsZero() {
		return nil, fmt.Errorf("list phases: %w (project)", ErrCursorUnset)
	}

	return s.list(ctx, "/api/phases")
}

// ListElevations lists elevations of the selected phase. Requires all
// three cursors (path, project, phase).
func (s *Session) ListElevations(ctx context.Context) ([]Entry, error) {
	if s.projectID.IsZero() || s.phaseID.IsZero() {
		return nil, fmt.Errorf("list elevations: %w (project and phase)", ErrCursorUnset)
	}

	return s.list(ctx, "/api/elevations")
}

// FetchThumbnail retrieves the rendered thumbnail for an elevation.
func (s *Session) FetchThumbnail(ctx context.Context, id uid.ID, opts ThumbnailOpts) ([]byte, error) {
	q := url.Values{}
	if opts.Width > 0 {
		q.Set("width", strconv.Itoa(opts.Width))
	}

	if opts.Height > 0 {
		q.Set("height", strconv.Itoa(opts.Height))
	}

	if opts.Format != "" {
		q.Set("format", opts.Format)
	}

	path := "/api/elevations/" + url.PathEscape(id.String()) + "/thumbnail"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := s.client.do(ctx, http.MethodGet, path, s.token, nil)
	if err != nil {
		return nil, s.fail(fmt.Errorf("fetch thumbnail %s: %w", id, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch thumbnail %s: reading body: %w", id, err)
	}

	return data, nil
}

// FetchPartsBlob retrieves the parts-list database blob for the selected
// elevation. An empty body is ErrEmptyBlob — some elevations have no parts.
func (s *Session) FetchPartsBlob(ctx context.Context) ([]byte, error) {
	if s.elevationID.IsZero() {
		return nil, fmt.Errorf("fetch parts blob: %w (elevation)", ErrCursorUnset)
	}

	resp, err := s.client.do(ctx, http.MethodGet, "/api/partslist", s.token, nil)
	if err != nil {
		return nil, s.fail(fmt.Errorf("fetch parts blob for %s: %w", s.elevationID, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch parts blob for %s: reading body: %w", s.elevationID, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("fetch parts blob for %s: %w", s.elevationID, ErrEmptyBlob)
	}

	return data, nil
}

// list performs a GET returning a normalized entry list.
func (s *Session) list(ctx context.Context, path string) ([]Entry, error) {
	resp, err := s.client.do(ctx, http.MethodGet, path, s.token, nil)
	if err != nil {
		return nil, s.fail(fmt.Errorf("list %s: %w", path, err))
	}
	defer resp.Body.Close()

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("list %s: decoding response: %w", path, err)
	}

	entries := make([]Entry, 0, len(lr.Items))

	for _, raw := range lr.Items {
		entry, err := toEntry(raw)
		if err != nil {
			// Malformed entries are logged and skipped, never fatal for
			// the whole listing.
			s.client.logger.Warn("skipping malformed upstream entry",
				"path", path,
				"name", raw.Name,
				"error", err.Error(),
			)

			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// postCursor performs a cursor-mutating POST with a small JSON body.
func (s *Session) postCursor(ctx context.Context, path string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := s.client.do(ctx, http.MethodPost, path, s.token, body)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}
