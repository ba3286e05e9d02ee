package ddl

import (
	"slices"

	"github.com/cloudspannerecosystem/memefish"
	"github.com/cloudspannerecosystem/memefish/ast"
)

// Inverse derives the statements undoing statements, in reverse order.
// Statements with no known inverse are returned in irreversible.
func Inverse(statements []string) (reverts, irreversible []string) {
	for _, s := range slices.Backward(statements) {
		if r, ok := inverseOf(s); ok {
			reverts = append(reverts, r)
		} else {
			irreversible = append(irreversible, s)
		}
	}
	return reverts, irreversible
}

// inverseOf handles creations only. IF NOT EXISTS and OR REPLACE may not have
// created anything, so they have no inverse.
func inverseOf(s string) (string, bool) {
	stmt, err := memefish.ParseStatement("", s)
	if err != nil {
		return "", false
	}

	switch stmt := stmt.(type) {
	case *ast.CreateTable:
		if stmt.IfNotExists {
			return "", false
		}
		return "DROP TABLE " + stmt.Name.SQL(), true
	case *ast.CreateIndex:
		if stmt.IfNotExists {
			return "", false
		}
		return "DROP INDEX " + stmt.Name.SQL(), true
	case *ast.CreateView:
		if stmt.OrReplace {
			return "", false
		}
		return "DROP VIEW " + stmt.Name.SQL(), true
	case *ast.CreateSequence:
		if stmt.IfNotExists {
			return "", false
		}
		return "DROP SEQUENCE " + stmt.Name.SQL(), true
	default:
		return "", false
	}
}
