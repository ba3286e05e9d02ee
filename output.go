package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/apstndb/spanvalue"
	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/samber/lo"

	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/txn"
)

// Result is the printable outcome of one command.
type Result struct {
	ColumnNames  []string
	Rows         [][]string
	AffectedRows int64
	// IsMutation is true for DML, DDL and transaction control.
	IsMutation bool
	// Timestamp is the read timestamp of a query or the commit timestamp of a write.
	Timestamp time.Time
}

// newQueryResult drains rows, formatting every value the way spanner-cli does.
func newQueryResult(rows *txn.RowStream) (*Result, error) {
	result := &Result{ColumnNames: rows.ColumnNames()}
	err := rows.Do(func(row *txn.Row) error {
		values := make([]string, 0, row.Size())
		for _, v := range row.Values() {
			s, err := spanvalue.FormatColumnSpannerCLICompatible(v)
			if err != nil {
				return err
			}
			values = append(values, s)
		}
		result.Rows = append(result.Rows, values)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Timestamp = rows.Timestamp()
	return result, nil
}

func printResult(out io.Writer, format enums.OutputFormat, verbose bool, result *Result) error {
	switch format {
	case enums.OutputFormatJSON:
		return printStructured(yaml.NewEncoder(out, yaml.JSON(), yaml.UseJSONMarshaler()), result)
	case enums.OutputFormatYAML:
		return printStructured(yaml.NewEncoder(out, yaml.UseJSONMarshaler()), result)
	case enums.OutputFormatCSV:
		return printCSV(out, result)
	default:
		printTable(out, verbose, result)
		return nil
	}
}

func printTable(out io.Writer, verbose bool, result *Result) {
	if len(result.ColumnNames) > 0 && (verbose || len(result.Rows) > 0) {
		var tableBuf strings.Builder
		table := tablewriter.NewTable(&tableBuf,
			tablewriter.WithRenderer(
				renderer.NewBlueprint(tw.Rendition{Symbols: tw.NewSymbols(tw.StyleASCII)})),
			tablewriter.WithHeaderAlignment(tw.AlignLeft),
			tablewriter.WithTrimSpace(tw.Off),
			tablewriter.WithHeaderAutoFormat(tw.Off),
		).Configure(func(config *tablewriter.Config) {
			config.Row.Formatting.AutoWrap = tw.WrapNone
		})

		table.Header(result.ColumnNames)
		for _, row := range result.Rows {
			if err := table.Append(row); err != nil {
				slog.Error("tablewriter.Table.Append() failed", "err", err)
			}
		}
		if err := table.Render(); err != nil {
			slog.Error("tablewriter.Table.Render() failed", "err", err)
		}
		fmt.Fprintln(out, strings.TrimSpace(tableBuf.String()))
	}

	switch {
	case result.IsMutation:
		fmt.Fprintf(out, "Query OK, %d rows affected\n", result.AffectedRows)
	case len(result.Rows) == 0:
		fmt.Fprintln(out, "Empty set")
	default:
		fmt.Fprintf(out, "%d rows in set\n", len(result.Rows))
	}

	if verbose && !result.Timestamp.IsZero() {
		fmt.Fprintf(out, "timestamp: %s\n", result.Timestamp.Format(time.RFC3339Nano))
	}
}

// printStructured writes a query as a sequence of ordered records and a
// mutation as a single summary record.
func printStructured(enc *yaml.Encoder, result *Result) error {
	if result.IsMutation {
		summary := yaml.MapSlice{{Key: "affected_rows", Value: result.AffectedRows}}
		if !result.Timestamp.IsZero() {
			summary = append(summary, yaml.MapItem{Key: "timestamp", Value: result.Timestamp.Format(time.RFC3339Nano)})
		}
		return enc.Encode(summary)
	}

	records := lo.Map(result.Rows, func(row []string, _ int) yaml.MapSlice {
		record := make(yaml.MapSlice, 0, len(row))
		for i, v := range row {
			record = append(record, yaml.MapItem{Key: columnName(result.ColumnNames, i), Value: v})
		}
		return record
	})
	return enc.Encode(records)
}

func printCSV(out io.Writer, result *Result) error {
	if result.IsMutation {
		return nil
	}

	w := csv.NewWriter(out)
	if err := w.Write(result.ColumnNames); err != nil {
		return err
	}
	if err := w.WriteAll(result.Rows); err != nil {
		return err
	}
	return w.Error()
}

// columnName names anonymous columns by position.
func columnName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("_%d", i)
}
