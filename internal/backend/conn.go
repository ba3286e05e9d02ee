package backend

import (
	"context"
	"errors"
	"log/slog"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNoSchemaUpdater is returned by schema operations on a Conn opened without one.
var ErrNoSchemaUpdater = errors.New("connection has no schema updater")

// Conn is a connection to a single database.
// Every error it returns has been passed through Classify.
type Conn struct {
	rpc      Spanner
	schema   SchemaUpdater
	database string
	role     string
	labels   map[string]string
	logger   *slog.Logger
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithDatabaseRole sets the creator role of the sessions created by the Conn.
func WithDatabaseRole(role string) ConnOption {
	return func(c *Conn) { c.role = role }
}

// WithSessionLabels sets labels attached to created sessions.
func WithSessionLabels(labels map[string]string) ConnOption {
	return func(c *Conn) { c.labels = labels }
}

// WithLogger sets the logger of the Conn.
func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// NewConn binds rpc and schema to database.
// schema may be nil when schema changes are not needed.
func NewConn(database string, rpc Spanner, schema SchemaUpdater, opts ...ConnOption) *Conn {
	c := &Conn{
		rpc:      rpc,
		schema:   schema,
		database: database,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Database returns the database path.
func (c *Conn) Database() string {
	return c.database
}

func (c *Conn) CreateSession(ctx context.Context) (*sppb.Session, error) {
	s, err := c.rpc.CreateSession(ctx, &sppb.CreateSessionRequest{
		Database: c.database,
		Session: &sppb.Session{
			Labels:      c.labels,
			CreatorRole: c.role,
		},
	})
	if err != nil {
		return nil, Classify(err)
	}
	c.logger.Debug("session created", "session", s.GetName())
	return s, nil
}

func (c *Conn) DeleteSession(ctx context.Context, name string) error {
	err := c.rpc.DeleteSession(ctx, &sppb.DeleteSessionRequest{Name: name})
	if err != nil {
		return Classify(err)
	}
	c.logger.Debug("session deleted", "session", name)
	return nil
}

func (c *Conn) BeginTransaction(ctx context.Context, session string, opts *sppb.TransactionOptions, reqOpts *sppb.RequestOptions) (*sppb.Transaction, error) {
	txn, err := c.rpc.BeginTransaction(ctx, &sppb.BeginTransactionRequest{
		Session:        session,
		Options:        opts,
		RequestOptions: reqOpts,
	})
	return txn, Classify(err)
}

func (c *Conn) ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest) (*sppb.ResultSet, error) {
	rs, err := c.rpc.ExecuteSql(ctx, req)
	return rs, Classify(err)
}

// ExecuteBatchDml runs a DML batch. A statement failure inside the batch is
// reported both through the returned response and as a classified error.
func (c *Conn) ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest) (*sppb.ExecuteBatchDmlResponse, error) {
	resp, err := c.rpc.ExecuteBatchDml(ctx, req)
	if err != nil {
		return nil, Classify(err)
	}
	if st := resp.GetStatus(); st != nil && codes.Code(st.GetCode()) != codes.OK {
		return resp, Classify(status.ErrorProto(st))
	}
	return resp, nil
}

func (c *Conn) Commit(ctx context.Context, req *sppb.CommitRequest) (*sppb.CommitResponse, error) {
	resp, err := c.rpc.Commit(ctx, req)
	return resp, Classify(err)
}

func (c *Conn) Rollback(ctx context.Context, session string, txID []byte) error {
	return Classify(c.rpc.Rollback(ctx, &sppb.RollbackRequest{
		Session:       session,
		TransactionId: txID,
	}))
}

// UpdateDDL submits statements as one schema change batch.
func (c *Conn) UpdateDDL(ctx context.Context, statements []string) (SchemaOperation, error) {
	if c.schema == nil {
		return nil, ErrNoSchemaUpdater
	}
	op, err := c.schema.UpdateDDL(ctx, c.database, statements)
	return op, Classify(err)
}

// GetOperation fetches a long-running schema operation by name.
func (c *Conn) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	if c.schema == nil {
		return nil, ErrNoSchemaUpdater
	}
	op, err := c.schema.GetOperation(ctx, name)
	return op, Classify(err)
}

// Close closes the underlying clients.
func (c *Conn) Close() error {
	var errs []error
	if err := c.rpc.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.schema != nil {
		if err := c.schema.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
