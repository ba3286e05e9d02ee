// Package ddl applies schema change batches and waits for them to finish.
//
// Cloud Spanner applies the statements of a batch one by one and keeps the
// ones applied before a failure. Gateway reverts those statements with a
// second batch when it can derive their inverse, so a failed batch leaves no
// partial schema behind.
package ddl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/apstndb/spanner-txmgr/internal/retry"
	"github.com/samber/lo"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultPollInterval is the interval between polls of a running batch.
const DefaultPollInterval = time.Second

// ProgressFunc receives the metadata of a running batch after each poll.
type ProgressFunc func(meta *databasepb.UpdateDatabaseDdlMetadata)

// Config configures a Gateway.
type Config struct {
	// PollInterval, DefaultPollInterval if zero.
	PollInterval time.Duration
	// NoRevert keeps the statements applied before a failure.
	NoRevert bool
	Logger   *slog.Logger
	// Sleep waits between polls. Defaults to retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway submits schema changes of one database.
type Gateway struct {
	conn   *backend.Conn
	cfg    Config
	logger *slog.Logger
}

// NewGateway returns a Gateway over conn.
func NewGateway(conn *backend.Conn, cfg Config) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{conn: conn, cfg: cfg, logger: logger}
}

type applyOptions struct {
	progress ProgressFunc
}

// ApplyOption configures one ApplyDDL call.
type ApplyOption func(*applyOptions)

// WithProgress reports the progress of the batch to f.
func WithProgress(f ProgressFunc) ApplyOption {
	return func(o *applyOptions) { o.progress = f }
}

// Result is the outcome of a successful batch.
type Result struct {
	OperationName    string
	Statements       []string
	CommitTimestamps []time.Time
}

// ApplyDDL submits statements as one batch and blocks until it is done.
// An empty batch is a no-op. On failure the error is a *SchemaError.
func (g *Gateway) ApplyDDL(ctx context.Context, statements []string, opts ...ApplyOption) (*Result, error) {
	if len(statements) == 0 {
		return &Result{}, nil
	}

	var o applyOptions
	for _, opt := range opts {
		opt(&o)
	}

	for i, s := range statements {
		if !stmtkind.IsUpdateDDLCompatibleLexical(s) {
			return nil, &SchemaError{
				Statements: statements,
				Err:        fmt.Errorf("statement %d is not a DDL statement: %q", i+1, s),
			}
		}
	}

	name, meta, err := g.run(ctx, statements, o.progress)
	if err == nil {
		return &Result{
			OperationName: name,
			Statements:    slices.Clone(statements),
			CommitTimestamps: lo.Map(meta.GetCommitTimestamps(), func(ts *timestamppb.Timestamp, _ int) time.Time {
				return ts.AsTime()
			}),
		}, nil
	}

	applied := min(len(meta.GetCommitTimestamps()), len(statements))
	schemaErr := &SchemaError{
		Statements:    statements,
		OperationName: name,
		Applied:       applied,
		Err:           err,
	}
	if applied == 0 || g.cfg.NoRevert {
		return nil, schemaErr
	}

	reverts, irreversible := Inverse(statements[:applied])
	schemaErr.Irreversible = irreversible
	if len(reverts) == 0 {
		return nil, schemaErr
	}

	g.logger.Info("reverting partially applied schema change", "applied", applied, "statements", len(reverts))
	if _, _, revertErr := g.run(context.WithoutCancel(ctx), reverts, nil); revertErr != nil {
		schemaErr.Err = errors.Join(err, fmt.Errorf("failed to revert applied statements: %w", revertErr))
		return nil, schemaErr
	}
	schemaErr.Reverted = reverts
	return nil, schemaErr
}

// run submits one batch and polls it until done.
func (g *Gateway) run(ctx context.Context, statements []string, progress ProgressFunc) (string, *databasepb.UpdateDatabaseDdlMetadata, error) {
	op, err := g.conn.UpdateDDL(ctx, statements)
	if err != nil {
		return "", nil, err
	}
	g.logger.Debug("schema change submitted", "operation", op.Name(), "statements", len(statements))

	for {
		pollErr := op.Poll(ctx)
		meta, metaErr := op.Metadata()
		if metaErr != nil {
			g.logger.Debug("failed to read schema change metadata", "operation", op.Name(), "err", metaErr)
		}
		if progress != nil && meta != nil {
			progress(meta)
		}

		switch {
		case pollErr != nil:
			return op.Name(), meta, backend.Classify(pollErr)
		case op.Done():
			return op.Name(), meta, nil
		}

		if err := g.cfg.Sleep(ctx, g.cfg.PollInterval); err != nil {
			return op.Name(), meta, err
		}
	}
}

// Operation describes a schema operation looked up by name.
type Operation struct {
	Name     string
	Done     bool
	Metadata *databasepb.UpdateDatabaseDdlMetadata
	// Err is the failure of a finished operation.
	Err error
}

// Operation looks up a schema operation by name.
func (g *Gateway) Operation(ctx context.Context, name string) (*Operation, error) {
	op, err := g.conn.GetOperation(ctx, name)
	if err != nil {
		return nil, err
	}

	result := &Operation{Name: op.GetName(), Done: op.GetDone()}
	if md := op.GetMetadata(); md != nil {
		var meta databasepb.UpdateDatabaseDdlMetadata
		if err := md.UnmarshalTo(&meta); err != nil {
			return nil, fmt.Errorf("unexpected metadata of operation %v: %w", name, err)
		}
		result.Metadata = &meta
	}
	if st := op.GetError(); st != nil {
		result.Err = backend.Classify(status.ErrorProto(st))
	}
	return result, nil
}
