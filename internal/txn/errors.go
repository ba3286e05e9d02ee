package txn

import (
	"errors"
	"fmt"

	"github.com/apstndb/spanner-txmgr/internal/session"
)

var (
	// ErrRollback may be returned by a transaction body to roll back on purpose.
	// WithTransaction then returns a zero timestamp and a nil error.
	ErrRollback = errors.New("transaction rolled back by the caller")

	// ErrReadOnly is returned for writes in a read-only transaction.
	ErrReadOnly = errors.New("can't execute this statement in a read-only transaction")

	// ErrMultiStatementPDML is returned for a second statement in a partitioned DML transaction.
	ErrMultiStatementPDML = errors.New("partitioned DML transaction accepts exactly one statement")

	// ErrMutationsInPDML is returned for buffered mutations in a partitioned DML transaction.
	ErrMutationsInPDML = errors.New("mutations can't be buffered in a partitioned DML transaction")

	// ErrDDLStatement is returned for schema statements, which go through the DDL gateway.
	ErrDDLStatement = errors.New("DDL statements can't be executed in a transaction")

	// ErrTransactionFinished is returned when a finished transaction is used.
	ErrTransactionFinished = errors.New("transaction is not active")
)

// NestedTransactionError is returned when a transaction is begun on a session
// which already has one in progress.
type NestedTransactionError struct {
	Session string
}

func (e *NestedTransactionError) Error() string {
	return fmt.Sprintf("nested transaction on session %v: %v", e.Session, session.ErrNestedTransaction)
}

func (e *NestedTransactionError) Unwrap() error {
	return session.ErrNestedTransaction
}

// GiveUpError is returned when the retry policy stops retrying.
// It wraps the first abort of the operation, or the first retryable failure
// when no attempt was aborted.
type GiveUpError struct {
	Attempts int
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("transaction gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GiveUpError) Unwrap() error {
	return e.Err
}
