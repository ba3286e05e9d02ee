// Package backend binds the session and transaction layer to the Cloud Spanner
// RPC surface and classifies backend failures into typed errors.
package backend

import (
	"context"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	spannerapi "cloud.google.com/go/spanner/apiv1"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"github.com/googleapis/gax-go/v2"
)

// Spanner is the subset of the Cloud Spanner data plane used by this module.
// The generated *spannerapi.Client satisfies it, so does memory.Server.
type Spanner interface {
	CreateSession(ctx context.Context, req *sppb.CreateSessionRequest, opts ...gax.CallOption) (*sppb.Session, error)
	DeleteSession(ctx context.Context, req *sppb.DeleteSessionRequest, opts ...gax.CallOption) error
	ExecuteSql(ctx context.Context, req *sppb.ExecuteSqlRequest, opts ...gax.CallOption) (*sppb.ResultSet, error)
	ExecuteBatchDml(ctx context.Context, req *sppb.ExecuteBatchDmlRequest, opts ...gax.CallOption) (*sppb.ExecuteBatchDmlResponse, error)
	BeginTransaction(ctx context.Context, req *sppb.BeginTransactionRequest, opts ...gax.CallOption) (*sppb.Transaction, error)
	Commit(ctx context.Context, req *sppb.CommitRequest, opts ...gax.CallOption) (*sppb.CommitResponse, error)
	Rollback(ctx context.Context, req *sppb.RollbackRequest, opts ...gax.CallOption) error
	Close() error
}

// SchemaOperation is a running schema change.
// *database.UpdateDatabaseDdlOperation satisfies it.
type SchemaOperation interface {
	Name() string
	Poll(ctx context.Context, opts ...gax.CallOption) error
	Done() bool
	Metadata() (*databasepb.UpdateDatabaseDdlMetadata, error)
}

// SchemaUpdater submits schema change batches.
type SchemaUpdater interface {
	UpdateDDL(ctx context.Context, database string, statements []string) (SchemaOperation, error)
	GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error)
	Close() error
}

var (
	_ Spanner         = (*spannerapi.Client)(nil)
	_ SchemaOperation = (*database.UpdateDatabaseDdlOperation)(nil)
	_ SchemaUpdater   = (*adminSchemaUpdater)(nil)
)

// adminSchemaUpdater adapts the database admin client.
type adminSchemaUpdater struct {
	client *database.DatabaseAdminClient
}

// NewSchemaUpdater wraps a database admin client.
func NewSchemaUpdater(client *database.DatabaseAdminClient) SchemaUpdater {
	return &adminSchemaUpdater{client: client}
}

func (u *adminSchemaUpdater) UpdateDDL(ctx context.Context, db string, statements []string) (SchemaOperation, error) {
	op, err := u.client.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   db,
		Statements: statements,
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (u *adminSchemaUpdater) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	return u.client.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: name})
}

func (u *adminSchemaUpdater) Close() error {
	return u.client.Close()
}
