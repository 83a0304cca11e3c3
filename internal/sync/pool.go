package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halwerk/cadsync/internal/upstream"
)

// DefaultPoolSize is the upstream session concurrency limit. Two sessions
// keep the upstream responsive; more causes server-side session churn.
const DefaultPoolSize = 2

// Pool is a bounded pool of authenticated upstream sessions. Sessions are
// loaned to exactly one worker at a time; a corrupt session is discarded on
// release and replaced by a fresh login on the next acquire, so the pool
// self-heals.
type Pool struct {
	client *upstream.Client
	creds  upstream.Credentials
	logger *slog.Logger

	// slots holds size tokens. A nil token means "no live session yet";
	// Acquire logs in lazily so construction never blocks on the upstream.
	slots chan *upstream.Session
	size  int
}

// NewPool creates a session pool of the given size (<=0 uses
// DefaultPoolSize). No login happens until the first Acquire.
func NewPool(client *upstream.Client, creds upstream.Credentials, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}

	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		client: client,
		creds:  creds,
		logger: logger,
		slots:  make(chan *upstream.Session, size),
		size:   size,
	}

	for range size {
		p.slots <- nil
	}

	return p
}

// Size returns the pool's concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Acquire blocks until a session slot frees up or ctx is cancelled. The
// returned session is authenticated but carries no navigation guarantees;
// the caller navigates before use and must Release or Invalidate it.
func (p *Pool) Acquire(ctx context.Context) (*upstream.Session, error) {
	var sess *upstream.Session

	select {
	case sess = <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("pool: acquire: %w", ctx.Err())
	}

	if sess != nil {
		return sess, nil
	}

	sess = upstream.NewSession(p.client)
	if err := sess.Login(ctx, p.creds); err != nil {
		// The slot must go back or the pool shrinks permanently.
		p.slots <- nil
		return nil, fmt.Errorf("pool: login: %w", err)
	}

	p.logger.Debug("session pool opened new session")

	return sess, nil
}

// Release returns a session to the pool. A session that observed a
// corruption signal is discarded instead; its slot re-logins on next use.
func (p *Pool) Release(ctx context.Context, sess *upstream.Session) {
	if sess == nil {
		return
	}

	if sess.Corrupt() {
		p.Invalidate(ctx, sess)
		return
	}

	p.slots <- sess
}

// Invalidate discards a session and frees its slot. The upstream logout is
// best-effort; a corrupt session often cannot log out anyway.
func (p *Pool) Invalidate(ctx context.Context, sess *upstream.Session) {
	if sess == nil {
		return
	}

	p.logger.Warn("discarding corrupt upstream session")
	sess.Logout(ctx)
	p.slots <- nil
}

// Close logs out every live session. Concurrent Acquire calls must have
// finished; Close drains all slots.
func (p *Pool) Close(ctx context.Context) {
	for range p.size {
		sess := <-p.slots
		if sess != nil {
			sess.Logout(ctx)
		}
	}
}
