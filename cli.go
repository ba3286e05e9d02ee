//
// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/apstndb/gsqlutils/stmtkind"
	"github.com/mattn/go-runewidth"
	"github.com/samber/lo"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/ddl"
	"github.com/apstndb/spanner-txmgr/internal/txn"
)

var errNoTransaction = errors.New("no transaction is in progress")

type cliConfig struct {
	// Mode runs DML statements outside of explicit transactions.
	Mode   enums.TransactionMode
	Format enums.OutputFormat
	// TimestampBound applies to queries and read-only transactions. Strong if nil.
	TimestampBound *txn.TimestampBound
	TransactionTag string
	Verbose        bool
	// DDLProgress shows progress bars of schema changes on ErrStream.
	DDLProgress bool
}

type Cli struct {
	Coordinator *txn.Coordinator
	Gateway     *ddl.Gateway
	OutStream   io.Writer
	ErrStream   io.Writer
	cfg         cliConfig

	// tx is the transaction opened by BEGIN.
	tx *txn.Tx
}

func NewCli(coordinator *txn.Coordinator, gateway *ddl.Gateway, outStream, errStream io.Writer, cfg cliConfig) *Cli {
	return &Cli{
		Coordinator: coordinator,
		Gateway:     gateway,
		OutStream:   outStream,
		ErrStream:   errStream,
		cfg:         cfg,
	}
}

// RunBatch executes every statement of input and stops at the first error.
// A transaction left open at the end is rolled back.
func (c *Cli) RunBatch(ctx context.Context, input string) error {
	cmds, err := buildCommands(input)
	if err != nil {
		c.PrintBatchError(err)
		return NewExitCodeError(exitCodeError)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	defer c.closeTransaction(ctx)

	for _, cmd := range cmds {
		result, err := c.executeCommand(ctx, cmd)
		if err != nil {
			c.PrintBatchError(err)
			return NewExitCodeError(exitCodeError)
		}

		if err := printResult(c.OutStream, c.cfg.Format, c.cfg.Verbose, result); err != nil {
			c.PrintBatchError(err)
			return NewExitCodeError(exitCodeError)
		}
	}

	return nil
}

func (c *Cli) closeTransaction(ctx context.Context) {
	if c.tx == nil {
		return
	}
	tx := c.tx
	c.tx = nil

	slog.Warn("transaction was not committed, rolling back", "mode", tx.Mode())
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("failed to roll back transaction", "err", err)
	}
}

func (c *Cli) executeCommand(ctx context.Context, cmd command) (*Result, error) {
	switch cmd := cmd.(type) {
	case *ddlCommand:
		if c.tx != nil {
			return nil, txn.ErrDDLStatement
		}
		result, err := c.applyDDL(ctx, cmd.Statements)
		if err != nil {
			return nil, err
		}
		return &Result{IsMutation: true, Timestamp: lo.LastOrEmpty(result.CommitTimestamps)}, nil
	case *beginCommand:
		tx, err := c.Coordinator.Begin(ctx, cmd.Mode, c.txOptions(cmd.Mode)...)
		if err != nil {
			return nil, err
		}
		c.tx = tx
		return &Result{IsMutation: true}, nil
	case *commitCommand:
		if c.tx == nil {
			return nil, errNoTransaction
		}
		tx := c.tx
		c.tx = nil
		ts, err := tx.Commit(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{IsMutation: true, Timestamp: ts}, nil
	case *rollbackCommand:
		if c.tx == nil {
			return nil, errNoTransaction
		}
		tx := c.tx
		c.tx = nil
		if err := tx.Rollback(ctx); err != nil {
			return nil, err
		}
		return &Result{IsMutation: true}, nil
	case *showOperationCommand:
		return c.showOperation(ctx, cmd.Name)
	case *sqlCommand:
		return c.executeSQL(ctx, cmd.SQL)
	default:
		return nil, fmt.Errorf("unknown command: %T", cmd)
	}
}

func (c *Cli) txOptions(mode enums.TransactionMode) []txn.TxOption {
	var opts []txn.TxOption
	if c.cfg.TransactionTag != "" && mode.IsWrite() {
		opts = append(opts, txn.WithTransactionTag(c.cfg.TransactionTag))
	}
	if c.cfg.TimestampBound != nil && mode == enums.TransactionModeReadOnly {
		opts = append(opts, txn.WithTimestampBound(*c.cfg.TimestampBound))
	}
	return opts
}

func (c *Cli) executeSQL(ctx context.Context, sql string) (*Result, error) {
	isDML := stmtkind.IsDMLLexical(sql)

	if c.tx != nil {
		rows, err := c.tx.Execute(ctx, sql, nil)
		if err != nil {
			return nil, err
		}
		return resultOf(isDML, rows)
	}

	if !isDML {
		rows, err := c.Coordinator.Execute(ctx, sql, nil, c.txOptions(enums.TransactionModeReadOnly)...)
		if err != nil {
			return nil, err
		}
		return resultOf(false, rows)
	}

	var rows *txn.RowStream
	ts, err := c.Coordinator.WithTransaction(ctx, c.cfg.Mode, func(ctx context.Context, tx *txn.Tx) error {
		var err error
		rows, err = tx.Execute(ctx, sql, nil)
		return err
	}, c.txOptions(c.cfg.Mode)...)
	if err != nil {
		return nil, err
	}

	result, err := resultOf(true, rows)
	if err != nil {
		return nil, err
	}
	result.Timestamp = ts
	return result, nil
}

func resultOf(isDML bool, rows *txn.RowStream) (*Result, error) {
	if isDML {
		return &Result{IsMutation: true, AffectedRows: rows.RowCount(), Timestamp: rows.Timestamp()}, nil
	}
	return newQueryResult(rows)
}

func (c *Cli) applyDDL(ctx context.Context, statements []string) (*ddl.Result, error) {
	if !c.cfg.DDLProgress {
		return c.Gateway.ApplyDDL(ctx, statements)
	}

	p := mpb.NewWithContext(ctx, mpb.WithOutput(c.ErrStream))
	defer p.Shutdown()

	bars := lo.Map(statements, func(s string, _ int) *mpb.Bar {
		name := runewidth.Truncate(whitespaceRe.ReplaceAllString(s, " "), 40, "...")
		return p.AddBar(int64(100), mpb.PrependDecorators(decor.Spinner(nil, decor.WCSyncSpaceR), decor.Name(name, decor.WCSyncSpaceR), decor.Percentage(decor.WCSyncSpace), decor.Elapsed(decor.ET_STYLE_MMSS, decor.WCSyncSpace)))
	})

	return c.Gateway.ApplyDDL(ctx, statements, ddl.WithProgress(func(meta *databasepb.UpdateDatabaseDdlMetadata) {
		for i, progress := range meta.GetProgress() {
			if i < len(bars) {
				bars[i].SetCurrent(int64(progress.GetProgressPercent()))
			}
		}
	}))
}

var operationColumnNames = []string{"OPERATION_ID", "STATEMENT", "DONE", "PROGRESS", "COMMIT_TIMESTAMP", "ERROR"}

// showOperation prints one row per statement of a schema operation.
func (c *Cli) showOperation(ctx context.Context, name string) (*Result, error) {
	op, err := c.Gateway.Operation(ctx, name)
	if err != nil {
		return nil, err
	}

	errText := ""
	if op.Err != nil {
		errText = op.Err.Error()
	}

	meta := op.Metadata
	result := &Result{ColumnNames: operationColumnNames}
	for i, stmt := range meta.GetStatements() {
		var progress, ts string
		if i < len(meta.GetProgress()) {
			progress = strconv.Itoa(int(meta.GetProgress()[i].GetProgressPercent()))
		}
		if i < len(meta.GetCommitTimestamps()) {
			ts = meta.GetCommitTimestamps()[i].AsTime().Format(time.RFC3339Nano)
		}
		result.Rows = append(result.Rows, []string{op.Name, stmt, strconv.FormatBool(op.Done), progress, ts, errText})
	}
	return result, nil
}

func (c *Cli) PrintBatchError(err error) {
	printError(c.ErrStream, err)
}

func printError(w io.Writer, err error) {
	code := status.Code(err)
	if code == codes.Unknown || code == codes.OK {
		fmt.Fprintf(w, "ERROR: %s\n", err)
		return
	}
	fmt.Fprintf(w, "ERROR: code=%q, %s\n", code, err)
}
