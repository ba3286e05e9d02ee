package txn

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/apstndb/spanner-txmgr/internal/session"
	"google.golang.org/protobuf/proto"
)

type txOptions struct {
	bound     TimestampBound
	tag       string
	priority  sppb.RequestOptions_Priority
	singleUse bool
}

// TxOption configures a transaction.
type TxOption func(*txOptions)

// WithTimestampBound sets the timestamp bound of a read-only transaction.
func WithTimestampBound(b TimestampBound) TxOption {
	return func(o *txOptions) { o.bound = b }
}

// WithTransactionTag sets the transaction tag of a read-write transaction.
func WithTransactionTag(tag string) TxOption {
	return func(o *txOptions) { o.tag = tag }
}

// WithPriority sets the request priority of every request of the transaction.
func WithPriority(p sppb.RequestOptions_Priority) TxOption {
	return func(o *txOptions) { o.priority = p }
}

// singleUse runs each query in its own single-use read-only transaction.
func singleUse() TxOption {
	return func(o *txOptions) { o.singleUse = true }
}

// Context is the state of one transaction attempt on one session.
// A Context is created by begin, finished by commit or rollback, and never reused.
type Context struct {
	conn   *backend.Conn
	handle *session.Handle
	mode   enums.TransactionMode
	opts   txOptions
	seq    *Sequence
	now    func() time.Time
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	id         []byte
	readTime   time.Time
	mutations  []*sppb.Mutation
	statements int
	failure    error
}

func newContext(conn *backend.Conn, h *session.Handle, mode enums.TransactionMode, seq *Sequence, opts txOptions, now func() time.Time, logger *slog.Logger) *Context {
	return &Context{
		conn:   conn,
		handle: h,
		mode:   mode,
		opts:   opts,
		seq:    seq,
		now:    now,
		logger: logger,
	}
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the transaction mode.
func (c *Context) Mode() enums.TransactionMode { return c.mode }

// Session returns the session name.
func (c *Context) Session() string { return c.handle.ID() }

// ID returns the backend transaction id, nil for single-use reads.
func (c *Context) ID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ReadTimestamp returns the read timestamp of a read-only transaction.
func (c *Context) ReadTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTime
}

// Statements returns the number of statements sent so far.
func (c *Context) Statements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statements
}

// Sequence returns the sequence counter shared by the attempts of the operation.
func (c *Context) Sequence() *Sequence { return c.seq }

// Failure returns the abort or session loss which ended the transaction, if any.
func (c *Context) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Context) readWrite() bool {
	switch c.mode {
	case enums.TransactionModeReadWrite, enums.TransactionModeBufferedMutations, enums.TransactionModeFallbackToPDML:
		return true
	default:
		return false
	}
}

func (c *Context) singleUseRead() bool {
	return c.mode == enums.TransactionModeReadOnly && (c.opts.singleUse || c.opts.bound.Type.SingleUseOnly())
}

func (c *Context) requestOptions() *sppb.RequestOptions {
	opts := &sppb.RequestOptions{Priority: c.opts.priority}
	if c.readWrite() {
		opts.TransactionTag = c.opts.tag
	}
	return opts
}

func (c *Context) selector() *sppb.TransactionSelector {
	if c.singleUseRead() {
		return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_SingleUse{
			SingleUse: &sppb.TransactionOptions{Mode: &sppb.TransactionOptions_ReadOnly_{ReadOnly: c.opts.bound.proto()}},
		}}
	}
	return &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Id{Id: c.id}}
}

// finish must be called with c.mu held.
func (c *Context) finish(s State) {
	c.state = s
	c.handle.Detach(c)
}

// observe records err and moves the context to Aborted when the transaction
// can't continue. It must be called with c.mu held.
func (c *Context) observe(err error) {
	if backend.IsAborted(err) || backend.IsSessionNotFound(err) {
		if c.failure == nil {
			c.failure = err
		}
		c.finish(StateAborted)
	}
}

func (c *Context) begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return c.finishedErr()
	}
	if err := c.handle.Attach(c); err != nil {
		return &NestedTransactionError{Session: c.handle.ID()}
	}

	if c.singleUseRead() {
		c.state = StateActive
		return nil
	}

	opts := &sppb.TransactionOptions{}
	switch c.mode {
	case enums.TransactionModeReadOnly:
		opts.Mode = &sppb.TransactionOptions_ReadOnly_{ReadOnly: c.opts.bound.proto()}
	case enums.TransactionModePartitionedDML:
		opts.Mode = &sppb.TransactionOptions_PartitionedDml_{PartitionedDml: &sppb.TransactionOptions_PartitionedDml{}}
	default:
		opts.Mode = &sppb.TransactionOptions_ReadWrite_{ReadWrite: &sppb.TransactionOptions_ReadWrite{}}
	}

	tx, err := c.conn.BeginTransaction(ctx, c.handle.ID(), opts, c.requestOptions())
	if err != nil {
		c.observe(err)
		if c.state != StateAborted {
			c.finish(StateRolledBack)
		}
		return err
	}

	c.id = tx.GetId()
	if ts := tx.GetReadTimestamp(); ts != nil {
		c.readTime = ts.AsTime()
	}
	c.state = StateActive
	c.handle.Touch(c.now())
	c.logger.Debug("transaction started", "session", c.handle.ID(), "mode", c.mode)
	return nil
}

func (c *Context) execute(ctx context.Context, sql string, params Params) (*RowStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil, c.finishedErr()
	}

	kind, kindErr := stmtkind.DetectLexical(sql)
	switch {
	case kindErr == nil && kind.IsDDL():
		return nil, ErrDDLStatement
	case kindErr == nil && kind.IsDML() && c.mode == enums.TransactionModeReadOnly:
		return nil, ErrReadOnly
	case c.mode == enums.TransactionModePartitionedDML && c.statements > 0:
		return nil, ErrMultiStatementPDML
	}

	encoded, types, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	req := &sppb.ExecuteSqlRequest{
		Session:        c.handle.ID(),
		Transaction:    c.selector(),
		Sql:            sql,
		Params:         encoded,
		ParamTypes:     types,
		RequestOptions: c.requestOptions(),
	}
	// Statements of unknown kind may write, so they are numbered like DML.
	if kindErr != nil || kind.IsDML() {
		req.Seqno = c.seq.Next()
	}
	c.statements++

	rs, err := c.conn.ExecuteSql(ctx, req)
	if err != nil {
		c.observe(err)
		return nil, err
	}
	c.handle.Touch(c.now())

	if c.singleUseRead() {
		if ts := rs.GetMetadata().GetTransaction().GetReadTimestamp(); ts != nil {
			c.readTime = ts.AsTime()
		}
	}
	return newRowStream(rs), nil
}

// Statement is a DML statement of a batch.
type Statement struct {
	SQL    string
	Params Params
}

func (c *Context) batchUpdate(ctx context.Context, stmts []Statement) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil, c.finishedErr()
	}
	switch {
	case c.mode == enums.TransactionModeReadOnly:
		return nil, ErrReadOnly
	case c.mode == enums.TransactionModePartitionedDML:
		return nil, ErrMultiStatementPDML
	case len(stmts) == 0:
		return nil, nil
	}

	batch := make([]*sppb.ExecuteBatchDmlRequest_Statement, 0, len(stmts))
	for _, stmt := range stmts {
		encoded, types, err := encodeParams(stmt.Params)
		if err != nil {
			return nil, err
		}
		batch = append(batch, &sppb.ExecuteBatchDmlRequest_Statement{Sql: stmt.SQL, Params: encoded, ParamTypes: types})
	}

	req := &sppb.ExecuteBatchDmlRequest{
		Session:        c.handle.ID(),
		Transaction:    c.selector(),
		Statements:     batch,
		Seqno:          c.seq.Next(),
		RequestOptions: c.requestOptions(),
	}
	c.statements += len(stmts)

	resp, err := c.conn.ExecuteBatchDml(ctx, req)
	counts := make([]int64, 0, len(resp.GetResultSets()))
	for _, rs := range resp.GetResultSets() {
		counts = append(counts, rs.GetStats().GetRowCountExact())
	}
	if err != nil {
		c.observe(err)
		return counts, err
	}
	c.handle.Touch(c.now())
	return counts, nil
}

func (c *Context) bufferWrite(ms []*sppb.Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return c.finishedErr()
	}
	switch c.mode {
	case enums.TransactionModeReadOnly:
		return ErrReadOnly
	case enums.TransactionModePartitionedDML:
		return ErrMutationsInPDML
	}
	for _, m := range ms {
		c.mutations = append(c.mutations, proto.Clone(m).(*sppb.Mutation))
	}
	return nil
}

// Mutations returns the buffered mutations.
func (c *Context) Mutations() []*sppb.Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.mutations)
}

// commit finishes the transaction. Read-only transactions return their read
// timestamp and partitioned DML returns the zero time, neither issues an RPC.
func (c *Context) commit(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return time.Time{}, c.finishedErr()
	}
	c.state = StateCommitting

	switch c.mode {
	case enums.TransactionModeReadOnly:
		c.finish(StateCommitted)
		return c.readTime, nil
	case enums.TransactionModePartitionedDML:
		c.finish(StateCommitted)
		return time.Time{}, nil
	}

	resp, err := c.conn.Commit(ctx, &sppb.CommitRequest{
		Session:        c.handle.ID(),
		Transaction:    &sppb.CommitRequest_TransactionId{TransactionId: c.id},
		Mutations:      c.mutations,
		RequestOptions: c.requestOptions(),
	})
	if err != nil {
		c.observe(err)
		if c.state == StateAborted {
			return time.Time{}, err
		}
		if rbErr := c.conn.Rollback(ctx, c.handle.ID(), c.id); rbErr != nil {
			c.logger.Debug("rollback after failed commit", "session", c.handle.ID(), "err", rbErr)
		}
		c.finish(StateRolledBack)
		return time.Time{}, err
	}

	c.finish(StateCommitted)
	c.handle.Touch(c.now())
	return resp.GetCommitTimestamp().AsTime(), nil
}

// finishedErr reports why no more calls are accepted. A transaction ended by
// an abort or a lost session carries that failure so callers can retry.
// It must be called with c.mu held.
func (c *Context) finishedErr() error {
	if c.state == StateAborted && c.failure != nil {
		return errors.Join(ErrTransactionFinished, c.failure)
	}
	return ErrTransactionFinished
}

// rollback abandons the transaction. It is a no-op on a finished transaction.
func (c *Context) rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
	case StateIdle:
		c.state = StateRolledBack
		return nil
	default:
		c.handle.Detach(c)
		return nil
	}

	c.finish(StateRolledBack)
	if !c.readWrite() || c.id == nil {
		return nil
	}
	return c.conn.Rollback(ctx, c.handle.ID(), c.id)
}
