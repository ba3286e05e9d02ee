// Package txn runs transactions on a session: it drives the transaction state
// machine, numbers DML statements, and replays the whole transaction body when
// the backend aborts it or loses the session.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/apstndb/spanner-txmgr/internal/retry"
	"github.com/apstndb/spanner-txmgr/internal/session"
)

// Config configures a Coordinator.
type Config struct {
	Retry retry.Config
	// Priority is the default request priority.
	Priority sppb.RequestOptions_Priority
	Logger   *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Sleep waits between attempts. Defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Body is the function run inside a transaction.
type Body func(ctx context.Context, tx *Tx) error

// Coordinator runs transactions on one logical session taken from a pool.
// Calls are synchronous. Use one Coordinator per concurrent caller; they may
// share a Pool.
type Coordinator struct {
	pool   *session.Pool
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	handle *session.Handle
}

// NewCoordinator returns a Coordinator which takes its session from pool.
func NewCoordinator(pool *session.Pool, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{pool: pool, cfg: cfg, logger: logger}
}

// Pool returns the session pool.
func (c *Coordinator) Pool() *session.Pool {
	return c.pool
}

// acquire returns the current session handle, taking one from the pool if needed.
func (c *Coordinator) acquire(ctx context.Context) (*session.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h := c.handle; h != nil {
		if h.Active() != nil || c.pool.Fresh(h) || c.pool.IsActive(ctx, h) {
			return h, nil
		}
		c.logger.Debug("discarding expired session", "session", h.ID())
		c.pool.Discard(h)
		c.handle = nil
	}
	h, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c.handle = h
	return h, nil
}

// note discards h when err says the backend lost its session.
func (c *Coordinator) note(h *session.Handle, err error) {
	if !backend.IsSessionNotFound(err) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == h {
		c.handle = nil
	}
	c.pool.Discard(h)
	c.logger.Info("session not found, discarding", "session", h.ID())
}

// Close returns the session to the pool.
func (c *Coordinator) Close() {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h != nil && h.Active() == nil {
		c.pool.Put(h)
	}
}

func (c *Coordinator) options(opts []TxOption) txOptions {
	o := txOptions{bound: StrongRead(), priority: c.cfg.Priority}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Begin starts a transaction which the caller commits or rolls back.
// It fails with *NestedTransactionError, without any RPC, while another
// transaction is in progress on the session.
func (c *Coordinator) Begin(ctx context.Context, mode enums.TransactionMode, opts ...TxOption) (*Tx, error) {
	if mode == enums.TransactionModeFallbackToPDML {
		return nil, fmt.Errorf("%v needs a replayable body, use WithTransaction", mode)
	}

	h, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tc := newContext(c.pool.Conn(), h, mode, &Sequence{}, c.options(opts), c.cfg.Clock, c.logger)
	if err := tc.begin(ctx); err != nil {
		c.note(h, err)
		return nil, err
	}
	return &Tx{c: tc, coord: c}, nil
}

// WithTransaction runs body in a transaction of the given mode and commits it.
//
// The returned time is the commit timestamp for read-write modes, the read
// timestamp for read-only and zero for partitioned DML.
//
// When the backend aborts the transaction or loses the session, body is run
// again from the start on a new transaction, so it must be idempotent apart
// from its effects through tx. Sequence numbers keep increasing across these
// attempts. When the retry policy gives up, the first abort is returned in a
// *GiveUpError, or the first lost-session error when no attempt was aborted.
//
// If body returns ErrRollback the transaction is rolled back and
// WithTransaction returns a zero time and a nil error. Any other error from
// body rolls the transaction back and is returned.
func (c *Coordinator) WithTransaction(ctx context.Context, mode enums.TransactionMode, body Body, opts ...TxOption) (time.Time, error) {
	o := c.options(opts)
	state := retry.NewState(c.cfg.Retry, c.cfg.Clock)
	seq := &Sequence{}
	effective := mode

	var (
		attempts       int
		firstAbort     error
		sessionRetried bool
	)
	for {
		attempts++
		ts, statements, err := c.attempt(ctx, effective, seq, body, o)

		var decision retry.Decision
		switch {
		case err == nil:
			return ts, nil
		case errors.Is(err, ErrRollback):
			return time.Time{}, nil
		case effective == enums.TransactionModeFallbackToPDML && backend.IsMutationLimit(err) && statements > 1:
			return time.Time{}, fmt.Errorf("%w: %w", ErrMultiStatementPDML, err)
		case effective == enums.TransactionModeFallbackToPDML && backend.IsMutationLimit(err):
			c.logger.Info("mutation limit exceeded, falling back to partitioned DML", "attempt", attempts)
			effective = enums.TransactionModePartitionedDML
			continue
		case backend.IsAborted(err):
			if firstAbort == nil {
				firstAbort = err
			}
			decision = state.Next(err)
		case backend.IsSessionNotFound(err):
			if !sessionRetried && state.Elapsed() <= state.Deadline() {
				sessionRetried = true
				c.logger.Info("session not found, retrying on a new session", "attempt", attempts)
				continue
			}
			decision = state.Next(err)
		default:
			return time.Time{}, err
		}

		if !decision.Retry {
			cause := firstAbort
			if cause == nil {
				cause = err
			}
			return time.Time{}, &GiveUpError{Attempts: attempts, Err: cause}
		}

		c.logger.Info("retrying transaction", "attempt", attempts, "delay", decision.Delay, "err", err)
		if sleepErr := c.cfg.Sleep(ctx, decision.Delay); sleepErr != nil {
			return time.Time{}, errors.Join(sleepErr, err)
		}
	}
}

// attempt runs body once and also returns the number of statements it sent.
func (c *Coordinator) attempt(ctx context.Context, mode enums.TransactionMode, seq *Sequence, body Body, o txOptions) (time.Time, int, error) {
	h, err := c.acquire(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}

	tc := newContext(c.pool.Conn(), h, mode, seq, o, c.cfg.Clock, c.logger)
	if err := tc.begin(ctx); err != nil {
		c.note(h, err)
		return time.Time{}, 0, err
	}

	done := false
	defer func() {
		if !done {
			// body panicked
			_ = tc.rollback(context.WithoutCancel(ctx))
		}
	}()

	err = body(ctx, &Tx{c: tc, coord: c})
	done = true

	if err != nil {
		if f := tc.Failure(); f != nil && !errors.Is(err, f) {
			err = errors.Join(err, f)
		}
		if rbErr := tc.rollback(ctx); rbErr != nil {
			if errors.Is(err, ErrRollback) {
				c.logger.Warn("failed to roll back", "session", h.ID(), "err", rbErr)
			} else {
				err = errors.Join(err, fmt.Errorf("error on rollback: %w", rbErr))
			}
		}
		c.note(h, err)
		return time.Time{}, tc.Statements(), err
	}

	ts, err := tc.commit(ctx)
	c.note(h, err)
	return ts, tc.Statements(), err
}

// Execute runs one statement in an implicit transaction: a single-use
// read-only transaction for queries, a read-write transaction for DML.
func (c *Coordinator) Execute(ctx context.Context, sql string, params Params, opts ...TxOption) (*RowStream, error) {
	kind, err := stmtkind.DetectLexical(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to detect statement kind: %w", err)
	}

	var rows *RowStream
	run := func(ctx context.Context, tx *Tx) error {
		var err error
		rows, err = tx.Execute(ctx, sql, params)
		return err
	}

	switch {
	case kind.IsDDL():
		return nil, ErrDDLStatement
	case kind.IsDML():
		ts, err := c.WithTransaction(ctx, enums.TransactionModeReadWrite, run, opts...)
		if err != nil {
			return nil, err
		}
		rows.timestamp = ts
		return rows, nil
	default:
		ts, err := c.WithTransaction(ctx, enums.TransactionModeReadOnly, run, append(opts, singleUse())...)
		if err != nil {
			return nil, err
		}
		rows.timestamp = ts
		return rows, nil
	}
}

// Ping reports whether the session of the coordinator is alive.
func (c *Coordinator) Ping(ctx context.Context) bool {
	h, err := c.acquire(ctx)
	if err != nil {
		return false
	}
	return c.pool.IsActive(ctx, h)
}
