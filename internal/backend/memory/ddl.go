package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/cloudspannerecosystem/memefish"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	_ backend.Spanner         = (*Server)(nil)
	_ backend.SchemaUpdater   = (*Server)(nil)
	_ backend.SchemaOperation = (*operation)(nil)
)

type operation struct {
	server     *Server
	name       string
	database   string
	statements []string
	start      time.Time
	commits    []time.Time
	err        error
	remaining  int
}

func (s *Server) UpdateDDL(ctx context.Context, database string, statements []string) (backend.SchemaOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodUpdateDDL, &databasepb.UpdateDatabaseDdlRequest{Database: database, Statements: statements}); err != nil {
		return nil, err
	}

	for _, ddl := range statements {
		if _, err := memefish.ParseStatement("", ddl); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Error parsing Spanner DDL statement: %s : %v", ddl, err)
		}
	}

	op := &operation{
		server:     s,
		name:       fmt.Sprintf("%s/operations/_auto_op_%s", database, s.id("")),
		database:   database,
		statements: slices.Clone(statements),
		start:      s.now(),
		remaining:  s.ddlPolls,
	}

	target := s.db
	if !s.nonAtomicDDL {
		target = s.db.clone()
	}
	for _, ddl := range statements {
		if err := target.applyDDL(ddl); err != nil {
			op.err = err
			break
		}
		op.commits = append(op.commits, s.now())
	}
	if !s.nonAtomicDDL {
		if op.err != nil {
			op.commits = nil
		} else {
			s.db = target
		}
	}

	s.operations[op.name] = op
	return op, nil
}

func (s *Server) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(MethodGetOperation, &longrunningpb.GetOperationRequest{Name: name}); err != nil {
		return nil, err
	}

	op, ok := s.operations[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Operation not found: %s", name)
	}

	meta, err := anypb.New(op.metadata())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to pack metadata: %v", err)
	}
	result := &longrunningpb.Operation{
		Name:     op.name,
		Metadata: meta,
		Done:     op.remaining <= 0,
	}
	switch {
	case !result.Done:
	case op.err != nil:
		result.Result = &longrunningpb.Operation_Error{Error: status.Convert(op.err).Proto()}
	default:
		resp, err := anypb.New(&emptypb.Empty{})
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to pack response: %v", err)
		}
		result.Result = &longrunningpb.Operation_Response{Response: resp}
	}
	return result, nil
}

func (op *operation) Name() string { return op.name }

func (op *operation) Poll(ctx context.Context, _ ...gax.CallOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op.server.mu.Lock()
	defer op.server.mu.Unlock()
	if op.remaining > 0 {
		op.remaining--
	}
	if op.remaining > 0 {
		return nil
	}
	return op.err
}

func (op *operation) Done() bool {
	op.server.mu.Lock()
	defer op.server.mu.Unlock()
	return op.remaining <= 0
}

func (op *operation) Metadata() (*databasepb.UpdateDatabaseDdlMetadata, error) {
	op.server.mu.Lock()
	defer op.server.mu.Unlock()
	return op.metadata(), nil
}

// metadata must be called with op.server.mu held.
func (op *operation) metadata() *databasepb.UpdateDatabaseDdlMetadata {
	meta := &databasepb.UpdateDatabaseDdlMetadata{
		Database:   op.database,
		Statements: slices.Clone(op.statements),
	}
	done := op.remaining <= 0
	for i := range op.statements {
		progress := &databasepb.OperationProgress{StartTime: timestamppb.New(op.start)}
		switch {
		case done && i < len(op.commits):
			progress.ProgressPercent = 100
			progress.EndTime = timestamppb.New(op.commits[i])
			meta.CommitTimestamps = append(meta.CommitTimestamps, timestamppb.New(op.commits[i]))
		case !done && op.server.ddlPolls > 0:
			progress.ProgressPercent = int32(100 * (op.server.ddlPolls - op.remaining) / op.server.ddlPolls)
		}
		meta.Progress = append(meta.Progress, progress)
	}
	return meta
}
