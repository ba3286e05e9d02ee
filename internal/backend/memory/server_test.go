package memory

import (
	"context"
	"testing"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
)

const testDatabase = "projects/p/instances/i/databases/d"

var singersDDL = heredoc.Doc(`
	CREATE TABLE Singers (
	  SingerId INT64 NOT NULL,
	  FirstName STRING(MAX)
	) PRIMARY KEY (SingerId)`)

func newTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	ctx := context.Background()

	s := New(opts...)
	op, err := s.UpdateDDL(ctx, testDatabase, []string{singersDDL})
	require.NoError(t, err)
	require.NoError(t, op.Poll(ctx))

	session, err := s.CreateSession(ctx, &sppb.CreateSessionRequest{Database: testDatabase})
	require.NoError(t, err)
	return s, session.GetName()
}

func beginReadWrite(t *testing.T, s *Server, session string) []byte {
	t.Helper()
	tx, err := s.BeginTransaction(context.Background(), &sppb.BeginTransactionRequest{
		Session: session,
		Options: &sppb.TransactionOptions{Mode: &sppb.TransactionOptions_ReadWrite_{ReadWrite: &sppb.TransactionOptions_ReadWrite{}}},
	})
	require.NoError(t, err)
	return tx.GetId()
}

func dml(session string, txID []byte, seqno int64, sql string) *sppb.ExecuteSqlRequest {
	return &sppb.ExecuteSqlRequest{
		Session:     session,
		Transaction: &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Id{Id: txID}},
		Sql:         sql,
		Seqno:       seqno,
	}
}

func TestServer_CommitAppliesDML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	txID := beginReadWrite(t, s, session)
	rs, err := s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'Marc'), (2, 'Catalina')"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.GetStats().GetRowCountExact())

	// Uncommitted writes are visible inside the transaction only.
	inTx, err := s.ExecuteSql(ctx, &sppb.ExecuteSqlRequest{
		Session:     session,
		Transaction: &sppb.TransactionSelector{Selector: &sppb.TransactionSelector_Id{Id: txID}},
		Sql:         "SELECT COUNT(*) FROM Singers",
	})
	require.NoError(t, err)
	assert.Equal(t, "2", inTx.GetRows()[0].GetValues()[0].GetStringValue())

	n, err := s.RowCount("Singers")
	require.NoError(t, err)
	assert.Zero(t, n)

	resp, err := s.Commit(ctx, &sppb.CommitRequest{
		Session:     session,
		Transaction: &sppb.CommitRequest_TransactionId{TransactionId: txID},
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.GetCommitTimestamp())

	n, err = s.RowCount("Singers")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestServer_SeqnoMustIncrease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	txID := beginReadWrite(t, s, session)
	_, err := s.ExecuteSql(ctx, dml(session, txID, 2, "INSERT INTO Singers (SingerId) VALUES (1)"))
	require.NoError(t, err)

	_, err = s.ExecuteSql(ctx, dml(session, txID, 2, "INSERT INTO Singers (SingerId) VALUES (2)"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId) VALUES (2)"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.ExecuteSql(ctx, dml(session, txID, 3, "INSERT INTO Singers (SingerId) VALUES (2)"))
	assert.NoError(t, err)

	assert.Equal(t, []int64{2, 2, 1, 3}, s.Seqnos())
}

func TestServer_InjectFault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	s.InjectFault(MethodCommit, 1, AbortedStatus(2*time.Second))

	txID := beginReadWrite(t, s, session)
	_, err := s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId) VALUES (1)"))
	require.NoError(t, err)

	_, err = s.Commit(ctx, &sppb.CommitRequest{Session: session, Transaction: &sppb.CommitRequest_TransactionId{TransactionId: txID}})
	assert.Equal(t, codes.Aborted, status.Code(err))

	// The aborted transaction is gone.
	_, err = s.Commit(ctx, &sppb.CommitRequest{Session: session, Transaction: &sppb.CommitRequest_TransactionId{TransactionId: txID}})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	n, err := s.RowCount("Singers")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, s.CallCount(MethodCommit))
}

func TestServer_ExpireSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	s.ExpireSession(session)

	_, err := s.ExecuteSql(ctx, &sppb.ExecuteSqlRequest{Session: session, Sql: "SELECT 1"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Empty(t, s.Sessions())
}

func TestServer_MutationLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t, WithMutationLimit(3))

	txID := beginReadWrite(t, s, session)
	_, err := s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'a'), (2, 'b')"))
	require.NoError(t, err)

	_, err = s.Commit(ctx, &sppb.CommitRequest{Session: session, Transaction: &sppb.CommitRequest_TransactionId{TransactionId: txID}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "too many mutations")
}

func TestServer_PartitionedDML(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	txID := beginReadWrite(t, s, session)
	_, err := s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId, FirstName) VALUES (1, 'a'), (2, 'b')"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, &sppb.CommitRequest{Session: session, Transaction: &sppb.CommitRequest_TransactionId{TransactionId: txID}})
	require.NoError(t, err)

	pdml, err := s.BeginTransaction(ctx, &sppb.BeginTransactionRequest{
		Session: session,
		Options: &sppb.TransactionOptions{Mode: &sppb.TransactionOptions_PartitionedDml_{PartitionedDml: &sppb.TransactionOptions_PartitionedDml{}}},
	})
	require.NoError(t, err)

	rs, err := s.ExecuteSql(ctx, dml(session, pdml.GetId(), 1, "UPDATE Singers SET FirstName = 'z' WHERE TRUE"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.GetStats().GetRowCountLowerBound())

	got, err := s.ExecuteSql(ctx, &sppb.ExecuteSqlRequest{
		Session: session,
		Sql:     "SELECT * FROM Singers WHERE SingerId = @id",
		Params:  &structpb.Struct{Fields: map[string]*structpb.Value{"id": structpb.NewStringValue("2")}},
		ParamTypes: map[string]*sppb.Type{
			"id": {Code: sppb.TypeCode_INT64},
		},
	})
	require.NoError(t, err)

	want := []*structpb.ListValue{{Values: []*structpb.Value{structpb.NewStringValue("2"), structpb.NewStringValue("z")}}}
	if diff := cmp.Diff(want, got.GetRows(), protocmp.Transform()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_DuplicateKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, session := newTestServer(t)

	txID := beginReadWrite(t, s, session)
	_, err := s.ExecuteSql(ctx, dml(session, txID, 1, "INSERT INTO Singers (SingerId) VALUES (1)"))
	require.NoError(t, err)
	_, err = s.ExecuteSql(ctx, dml(session, txID, 2, "INSERT INTO Singers (SingerId) VALUES (1)"))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestServer_UpdateDDL(t *testing.T) {
	t.Parallel()

	batch := []string{
		"CREATE TABLE Albums (AlbumId INT64) PRIMARY KEY (AlbumId)",
		"CREATE INDEX AlbumsByAlbumId ON Albums (AlbumId)",
		"CREATE TABLE Singers (SingerId INT64) PRIMARY KEY (SingerId)",
	}

	tests := []struct {
		desc        string
		opts        []Option
		wantAlbums  bool
		wantCommits int
	}{
		{desc: "atomic", wantAlbums: false, wantCommits: 0},
		{desc: "non-atomic", opts: []Option{WithNonAtomicDDL()}, wantAlbums: true, wantCommits: 2},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s, _ := newTestServer(t, tt.opts...)

			op, err := s.UpdateDDL(ctx, testDatabase, batch)
			require.NoError(t, err)
			err = op.Poll(ctx)
			assert.Equal(t, codes.FailedPrecondition, status.Code(err))
			assert.True(t, op.Done())

			assert.Equal(t, tt.wantAlbums, s.HasSchemaObject("Albums"))
			assert.Equal(t, tt.wantAlbums, s.HasSchemaObject("AlbumsByAlbumId"))

			meta, err := op.Metadata()
			require.NoError(t, err)
			assert.Len(t, meta.GetCommitTimestamps(), tt.wantCommits)
			assert.Equal(t, batch, meta.GetStatements())

			lro, err := s.GetOperation(ctx, op.Name())
			require.NoError(t, err)
			assert.True(t, lro.GetDone())
			assert.Equal(t, int32(codes.FailedPrecondition), lro.GetError().GetCode())

			var got databasepb.UpdateDatabaseDdlMetadata
			require.NoError(t, lro.GetMetadata().UnmarshalTo(&got))
			assert.Equal(t, testDatabase, got.GetDatabase())
		})
	}
}

func TestServer_UpdateDDLPolls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(WithDDLPolls(3))

	op, err := s.UpdateDDL(ctx, testDatabase, []string{"CREATE TABLE T (Id INT64) PRIMARY KEY (Id)"})
	require.NoError(t, err)

	var percents []int32
	for !op.Done() {
		require.NoError(t, op.Poll(ctx))
		meta, err := op.Metadata()
		require.NoError(t, err)
		percents = append(percents, meta.GetProgress()[0].GetProgressPercent())
	}
	assert.Equal(t, []int32{33, 66, 100}, percents)
}

func TestServer_UpdateDDLSyntaxError(t *testing.T) {
	t.Parallel()
	s := New()

	_, err := s.UpdateDDL(context.Background(), testDatabase, []string{"CREATE TABLE"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
