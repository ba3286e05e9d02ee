package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/sourcegraph/conc/pool"
)

// DefaultIdleTimeout is how long a session may stay idle before it is checked.
// The backend deletes sessions idle for an hour.
const DefaultIdleTimeout = 55 * time.Minute

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool is closed")

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MinOpened sessions are created concurrently by NewPool.
	MinOpened int
	// IdleTimeout, DefaultIdleTimeout if zero.
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Pool hands out session handles of one database.
type Pool struct {
	conn   *backend.Conn
	cfg    PoolConfig
	logger *slog.Logger

	mu     sync.Mutex
	idle   []*Handle
	open   map[string]*Handle
	closed bool
}

// NewPool creates a pool over conn, warming it up with cfg.MinOpened sessions.
func NewPool(ctx context.Context, conn *backend.Conn, cfg PoolConfig) (*Pool, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		open:   make(map[string]*Handle),
	}

	if cfg.MinOpened > 0 {
		if err := p.warmUp(ctx, cfg.MinOpened); err != nil {
			return nil, errors.Join(err, p.Close(context.WithoutCancel(ctx)))
		}
	}
	return p, nil
}

func (p *Pool) warmUp(ctx context.Context, n int) error {
	wp := pool.NewWithResults[*Handle]().WithContext(ctx).WithMaxGoroutines(n)
	for range n {
		wp.Go(func(ctx context.Context) (*Handle, error) {
			return p.create(ctx)
		})
	}
	handles, err := wp.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handles {
		if h != nil {
			p.idle = append(p.idle, h)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to warm up session pool: %w", err)
	}
	p.logger.Debug("session pool warmed up", "sessions", len(handles))
	return nil
}

// create makes a new backend session and registers it as open.
func (p *Pool) create(ctx context.Context) (*Handle, error) {
	s, err := p.conn.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	h := newHandle(s.GetName(), p.cfg.Clock())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := p.conn.DeleteSession(context.WithoutCancel(ctx), h.ID()); err != nil && !backend.IsSessionNotFound(err) {
			p.logger.Warn("failed to delete session created during close", "session", h.ID(), "err", err)
		}
		return nil, ErrPoolClosed
	}
	p.open[h.ID()] = h
	p.mu.Unlock()
	return h, nil
}

// Conn returns the connection the pool creates sessions on.
func (p *Pool) Conn() *backend.Conn {
	return p.conn
}

// Acquire returns an idle handle, or creates a session when none is idle.
// Handles idle longer than the idle timeout are checked with IsActive first.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if p.Fresh(h) || p.IsActive(ctx, h) {
			return h, nil
		}
		p.logger.Debug("discarding expired session", "session", h.ID())
		p.Discard(h)
	}

	return p.create(ctx)
}

// Fresh reports whether h was used within the idle timeout.
func (p *Pool) Fresh(h *Handle) bool {
	return p.cfg.Clock().Sub(h.LastActive()) < p.cfg.IdleTimeout
}

// Put returns a healthy handle for reuse.
func (p *Pool) Put(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[h.ID()]; !ok || p.closed {
		return
	}
	p.idle = append(p.idle, h)
}

// Discard forgets a handle whose session the backend no longer knows. No RPC is issued.
func (p *Pool) Discard(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, h.ID())
	p.removeIdle(h)
}

// removeIdle must be called with p.mu held.
func (p *Pool) removeIdle(h *Handle) {
	for i, idle := range p.idle {
		if idle == h {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

// Release deletes the session of h on the backend.
func (p *Pool) Release(ctx context.Context, h *Handle) error {
	p.Discard(h)
	err := p.conn.DeleteSession(ctx, h.ID())
	if backend.IsSessionNotFound(err) {
		return nil
	}
	return err
}

// IsActive checks the session of h with a trivial query.
// Any failure is reported as false.
func (p *Pool) IsActive(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	_, err := p.conn.ExecuteSql(ctx, &sppb.ExecuteSqlRequest{
		Session: h.ID(),
		Transaction: &sppb.TransactionSelector{
			Selector: &sppb.TransactionSelector_SingleUse{
				SingleUse: &sppb.TransactionOptions{
					Mode: &sppb.TransactionOptions_ReadOnly_{
						ReadOnly: &sppb.TransactionOptions_ReadOnly{
							TimestampBound: &sppb.TransactionOptions_ReadOnly_Strong{Strong: true},
						},
					},
				},
			},
		},
		Sql:            "SELECT 1",
		RequestOptions: &sppb.RequestOptions{RequestTag: backend.PingRequestTag},
	})
	if err != nil {
		p.logger.Debug("session is not active", "session", h.ID(), "err", err)
		return false
	}
	h.Touch(p.cfg.Clock())
	return true
}

// Len returns the number of open and idle handles.
func (p *Pool) Len() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open), len(p.idle)
}

// Close deletes every open session. Later Acquire calls fail.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	handles := make([]*Handle, 0, len(p.open))
	for _, h := range p.open {
		handles = append(handles, h)
	}
	p.open = make(map[string]*Handle)
	p.idle = nil
	p.mu.Unlock()

	wp := pool.New().WithErrors().WithContext(ctx)
	for _, h := range handles {
		wp.Go(func(ctx context.Context) error {
			err := p.conn.DeleteSession(ctx, h.ID())
			if err != nil && !backend.IsSessionNotFound(err) {
				return fmt.Errorf("failed to delete session %v: %w", h.ID(), err)
			}
			return nil
		})
	}
	return wp.Wait()
}
