package ddl

import "fmt"

// SchemaError is returned when a schema change batch fails.
type SchemaError struct {
	Statements    []string
	OperationName string
	// Applied is the number of leading statements the backend applied before the failure.
	Applied int
	// Reverted holds the statements run to undo the applied ones.
	Reverted []string
	// Irreversible holds applied statements with no known inverse. They stay applied.
	Irreversible []string
	Err          error
}

func (e *SchemaError) Error() string {
	switch {
	case e.Applied == 0:
		return fmt.Sprintf("schema change of %d statements failed: %v", len(e.Statements), e.Err)
	case len(e.Irreversible) > 0:
		return fmt.Sprintf("schema change failed after %d of %d statements, %d could not be reverted: %v",
			e.Applied, len(e.Statements), len(e.Irreversible), e.Err)
	default:
		return fmt.Sprintf("schema change failed after %d of %d statements: %v", e.Applied, len(e.Statements), e.Err)
	}
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
