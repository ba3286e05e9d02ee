package txn

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"
)

// Row is one row of a RowStream.
type Row struct {
	fields []*sppb.StructType_Field
	values []*structpb.Value
}

// Size returns the number of columns.
func (r *Row) Size() int { return len(r.values) }

// ColumnNames returns the column names of the row.
func (r *Row) ColumnNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.GetName()
	}
	return names
}

// Column returns the i-th column as a GenericColumnValue.
func (r *Row) Column(i int) spanner.GenericColumnValue {
	return spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.values[i]}
}

// Values returns every column as a GenericColumnValue.
func (r *Row) Values() []spanner.GenericColumnValue {
	values := make([]spanner.GenericColumnValue, len(r.values))
	for i := range r.values {
		values[i] = r.Column(i)
	}
	return values
}

// Columns decodes the columns into ptrs, in order.
func (r *Row) Columns(ptrs ...any) error {
	if len(ptrs) != len(r.values) {
		return fmt.Errorf("row has %d columns, got %d destinations", len(r.values), len(ptrs))
	}
	for i, p := range ptrs {
		if p == nil {
			continue
		}
		if err := r.Column(i).Decode(p); err != nil {
			return fmt.Errorf("failed to decode column %d (%v): %w", i, r.fields[i].GetName(), err)
		}
	}
	return nil
}

// ColumnByName decodes the column named name into ptr.
func (r *Row) ColumnByName(name string, ptr any) error {
	for i, f := range r.fields {
		if strings.EqualFold(f.GetName(), name) {
			return r.Column(i).Decode(ptr)
		}
	}
	return fmt.Errorf("column %q not found", name)
}

// RowStream iterates over the result of a statement.
// Results are fully received when the stream is returned, so a stream stays
// readable after its transaction has finished.
type RowStream struct {
	rs        *sppb.ResultSet
	pos       int
	timestamp time.Time
	stopped   bool
}

func newRowStream(rs *sppb.ResultSet) *RowStream {
	if rs == nil {
		rs = &sppb.ResultSet{}
	}
	return &RowStream{rs: rs}
}

// Next returns the next row, or iterator.Done after the last one.
func (s *RowStream) Next() (*Row, error) {
	if s.stopped || s.pos >= len(s.rs.GetRows()) {
		return nil, iterator.Done
	}
	row := &Row{
		fields: s.rs.GetMetadata().GetRowType().GetFields(),
		values: s.rs.GetRows()[s.pos].GetValues(),
	}
	s.pos++
	return row, nil
}

// Do calls f for each remaining row and stops at the first error.
func (s *RowStream) Do(f func(*Row) error) error {
	defer s.Stop()
	for {
		row, err := s.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return err
		}
	}
}

// Stop ends the iteration.
func (s *RowStream) Stop() {
	s.stopped = true
}

// Columns returns the result columns.
func (s *RowStream) Columns() []*sppb.StructType_Field {
	return s.rs.GetMetadata().GetRowType().GetFields()
}

// ColumnNames returns the result column names.
func (s *RowStream) ColumnNames() []string {
	fields := s.Columns()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.GetName()
	}
	return names
}

// Stats returns the statistics of the statement, nil for queries.
func (s *RowStream) Stats() *sppb.ResultSetStats {
	return s.rs.GetStats()
}

// RowCount returns the number of modified rows of a DML statement.
// For partitioned DML it is a lower bound.
func (s *RowStream) RowCount() int64 {
	switch c := s.rs.GetStats().GetRowCount().(type) {
	case *sppb.ResultSetStats_RowCountExact:
		return c.RowCountExact
	case *sppb.ResultSetStats_RowCountLowerBound:
		return c.RowCountLowerBound
	default:
		return 0
	}
}

// Timestamp returns the commit timestamp of an implicit DML transaction,
// or the read timestamp of a query when the backend reported one.
func (s *RowStream) Timestamp() time.Time {
	if !s.timestamp.IsZero() {
		return s.timestamp
	}
	if ts := s.rs.GetMetadata().GetTransaction().GetReadTimestamp(); ts != nil {
		return ts.AsTime()
	}
	return time.Time{}
}
