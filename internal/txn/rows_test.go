package txn

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func testResultSet() *sppb.ResultSet {
	return &sppb.ResultSet{
		Metadata: &sppb.ResultSetMetadata{
			RowType: &sppb.StructType{Fields: []*sppb.StructType_Field{
				{Name: "SingerId", Type: scalar(sppb.TypeCode_INT64)},
				{Name: "FirstName", Type: scalar(sppb.TypeCode_STRING)},
			}},
			Transaction: &sppb.Transaction{ReadTimestamp: timestamppb.New(epoch)},
		},
		Rows: []*structpb.ListValue{
			{Values: []*structpb.Value{structpb.NewStringValue("1"), structpb.NewStringValue("Marc")}},
			{Values: []*structpb.Value{structpb.NewStringValue("2"), structpb.NewNullValue()}},
		},
	}
}

func TestRowStream(t *testing.T) {
	t.Parallel()
	rows := newRowStream(testResultSet())

	assert.Equal(t, []string{"SingerId", "FirstName"}, rows.ColumnNames())
	assert.WithinDuration(t, epoch, rows.Timestamp(), 0)

	row, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, row.Size())

	var (
		id   int64
		name string
	)
	require.NoError(t, row.Columns(&id, &name))
	assert.Equal(t, int64(1), id)
	assert.Equal(t, "Marc", name)
	assert.Error(t, row.Columns(&id))

	row, err = rows.Next()
	require.NoError(t, err)
	var nullable spanner.NullString
	require.NoError(t, row.ColumnByName("firstname", &nullable))
	assert.False(t, nullable.Valid)
	assert.Error(t, row.ColumnByName("LastName", &nullable))

	_, err = rows.Next()
	assert.ErrorIs(t, err, iterator.Done)
}

func TestRowStream_Do(t *testing.T) {
	t.Parallel()

	var ids []int64
	err := newRowStream(testResultSet()).Do(func(row *Row) error {
		var id int64
		if err := row.Columns(&id, nil); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	stop := errors.New("stop")
	rows := newRowStream(testResultSet())
	assert.ErrorIs(t, rows.Do(func(*Row) error { return stop }), stop)
	_, err = rows.Next()
	assert.ErrorIs(t, err, iterator.Done)
}

func TestRowStream_RowCount(t *testing.T) {
	t.Parallel()

	exact := newRowStream(&sppb.ResultSet{Stats: &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountExact{RowCountExact: 3}}})
	assert.Equal(t, int64(3), exact.RowCount())

	lower := newRowStream(&sppb.ResultSet{Stats: &sppb.ResultSetStats{RowCount: &sppb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: 7}}})
	assert.Equal(t, int64(7), lower.RowCount())

	empty := newRowStream(nil)
	assert.Zero(t, empty.RowCount())
	assert.True(t, empty.Timestamp().IsZero())

	committed := newRowStream(nil)
	committed.timestamp = epoch.Add(time.Second)
	assert.WithinDuration(t, epoch.Add(time.Second), committed.Timestamp(), 0)
}
