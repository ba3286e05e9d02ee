package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/cloudspannerecosystem/memefish"

	"github.com/apstndb/spanner-txmgr/enums"
)

// command is one unit of batch execution.
type command interface {
	isCommand()
}

// ddlCommand is a run of consecutive DDL statements applied as one batch.
type ddlCommand struct {
	Statements []string
}

// sqlCommand is a query or a DML statement.
type sqlCommand struct {
	SQL string
}

type beginCommand struct {
	Mode enums.TransactionMode
}

type commitCommand struct{}

type rollbackCommand struct{}

type showOperationCommand struct {
	Name string
}

func (*ddlCommand) isCommand()           {}
func (*sqlCommand) isCommand()           {}
func (*beginCommand) isCommand()         {}
func (*commitCommand) isCommand()        {}
func (*rollbackCommand) isCommand()      {}
func (*showOperationCommand) isCommand() {}

var (
	beginRe         = regexp.MustCompile(`(?is)^BEGIN(?:\s+TRANSACTION)?(?:\s+(READ\s+WRITE|READ\s+ONLY|RW|RO|PARTITIONED\s+DML))?$`)
	commitRe        = regexp.MustCompile(`(?is)^COMMIT(?:\s+TRANSACTION)?$`)
	rollbackRe      = regexp.MustCompile(`(?is)^(?:ROLLBACK|CLOSE)(?:\s+TRANSACTION)?$`)
	showOperationRe = regexp.MustCompile(`(?is)^SHOW\s+OPERATION\s+(\S+)$`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// buildCommands splits input into statements and groups consecutive DDLs.
func buildCommands(input string) ([]command, error) {
	rawStmts, err := memefish.SplitRawStatements("", input)
	if err != nil {
		return nil, fmt.Errorf("failed to split statements: %w", err)
	}

	var cmds []command
	var pendingDdls []string
	flush := func() {
		if len(pendingDdls) > 0 {
			cmds = append(cmds, &ddlCommand{Statements: pendingDdls})
			pendingDdls = nil
		}
	}

	for _, raw := range rawStmts {
		s := strings.TrimSpace(raw.Statement)
		if s == "" {
			continue
		}

		if stmtkind.IsDDLLexical(s) {
			pendingDdls = append(pendingDdls, s)
			continue
		}

		flush()
		cmds = append(cmds, parseCommand(s))
	}
	flush()

	return cmds, nil
}

func parseCommand(s string) command {
	switch {
	case beginRe.MatchString(s):
		m := beginRe.FindStringSubmatch(s)
		return &beginCommand{Mode: beginMode(m[1])}
	case commitRe.MatchString(s):
		return &commitCommand{}
	case rollbackRe.MatchString(s):
		return &rollbackCommand{}
	case showOperationRe.MatchString(s):
		m := showOperationRe.FindStringSubmatch(s)
		return &showOperationCommand{Name: strings.Trim(m[1], "'\"")}
	default:
		return &sqlCommand{SQL: s}
	}
}

func beginMode(s string) enums.TransactionMode {
	switch strings.ToUpper(whitespaceRe.ReplaceAllString(s, " ")) {
	case "READ ONLY", "RO":
		return enums.TransactionModeReadOnly
	case "PARTITIONED DML":
		return enums.TransactionModePartitionedDML
	default:
		return enums.TransactionModeReadWrite
	}
}
