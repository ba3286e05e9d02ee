package txn

import (
	"context"
	"fmt"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/apstndb/spanner-txmgr/enums"
	"google.golang.org/protobuf/types/known/structpb"
)

// Tx is the view of a transaction given to callers.
type Tx struct {
	c     *Context
	coord *Coordinator
}

// Context returns the underlying transaction context.
func (tx *Tx) Context() *Context { return tx.c }

// Mode returns the transaction mode.
func (tx *Tx) Mode() enums.TransactionMode { return tx.c.Mode() }

// State returns the transaction state.
func (tx *Tx) State() State { return tx.c.State() }

func (tx *Tx) note(err error) {
	if err != nil {
		tx.coord.note(tx.c.handle, err)
	}
}

// Execute runs any statement of the transaction's kind. DML consumes a sequence number.
func (tx *Tx) Execute(ctx context.Context, sql string, params Params) (*RowStream, error) {
	rows, err := tx.c.execute(ctx, sql, params)
	tx.note(err)
	return rows, err
}

// Query runs a query.
func (tx *Tx) Query(ctx context.Context, sql string, params Params) (*RowStream, error) {
	if stmtkind.IsDMLLexical(sql) {
		return nil, fmt.Errorf("query statement expected, use Update for DML: %q", sql)
	}
	return tx.Execute(ctx, sql, params)
}

// Update runs a DML statement and returns the number of modified rows.
func (tx *Tx) Update(ctx context.Context, sql string, params Params) (int64, error) {
	rows, err := tx.Execute(ctx, sql, params)
	if err != nil {
		return 0, err
	}
	return rows.RowCount(), nil
}

// BatchUpdate runs DML statements in one round trip using one sequence number.
// On a statement failure it returns the counts of the statements before it.
func (tx *Tx) BatchUpdate(ctx context.Context, stmts ...Statement) ([]int64, error) {
	counts, err := tx.c.batchUpdate(ctx, stmts)
	tx.note(err)
	return counts, err
}

// BufferWrite buffers mutations to be sent with the commit.
// Buffered mutations are not visible to reads of the same transaction.
func (tx *Tx) BufferWrite(ms ...*sppb.Mutation) error {
	return tx.c.bufferWrite(ms)
}

// Commit commits a transaction started with Coordinator.Begin.
// Transactions run by WithTransaction are committed by it.
func (tx *Tx) Commit(ctx context.Context) (time.Time, error) {
	ts, err := tx.c.commit(ctx)
	tx.note(err)
	return ts, err
}

// Rollback rolls back a transaction started with Coordinator.Begin.
func (tx *Tx) Rollback(ctx context.Context) error {
	err := tx.c.rollback(ctx)
	tx.note(err)
	return err
}

// Insert builds an insert mutation. Each element of rows is one row of values for columns.
func Insert(table string, columns []string, rows ...[]any) (*sppb.Mutation, error) {
	w, err := write(table, columns, rows)
	if err != nil {
		return nil, err
	}
	return &sppb.Mutation{Operation: &sppb.Mutation_Insert{Insert: w}}, nil
}

// InsertOrUpdate builds an insert-or-update mutation.
func InsertOrUpdate(table string, columns []string, rows ...[]any) (*sppb.Mutation, error) {
	w, err := write(table, columns, rows)
	if err != nil {
		return nil, err
	}
	return &sppb.Mutation{Operation: &sppb.Mutation_InsertOrUpdate{InsertOrUpdate: w}}, nil
}

// UpdateMutation builds an update mutation.
func UpdateMutation(table string, columns []string, rows ...[]any) (*sppb.Mutation, error) {
	w, err := write(table, columns, rows)
	if err != nil {
		return nil, err
	}
	return &sppb.Mutation{Operation: &sppb.Mutation_Update{Update: w}}, nil
}

// Delete builds a delete mutation of the rows with the given primary keys.
// Without keys, every row of table is deleted.
func Delete(table string, keys ...[]any) (*sppb.Mutation, error) {
	keySet := &sppb.KeySet{All: len(keys) == 0}
	for _, key := range keys {
		lv, err := encodeRow(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key for %v: %w", table, err)
		}
		keySet.Keys = append(keySet.Keys, lv)
	}
	return &sppb.Mutation{Operation: &sppb.Mutation_Delete_{Delete: &sppb.Mutation_Delete{Table: table, KeySet: keySet}}}, nil
}

func write(table string, columns []string, rows [][]any) (*sppb.Mutation_Write, error) {
	w := &sppb.Mutation_Write{Table: table, Columns: columns}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row %d of %v has %d values for %d columns", i, table, len(row), len(columns))
		}
		lv, err := encodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d of %v: %w", i, table, err)
		}
		w.Values = append(w.Values, lv)
	}
	return w, nil
}

func encodeRow(values []any) (*structpb.ListValue, error) {
	lv := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(values))}
	for _, v := range values {
		encoded, _, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		lv.Values = append(lv.Values, encoded)
	}
	return lv, nil
}
