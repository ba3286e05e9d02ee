package enums

import (
	"fmt"
	"strings"
)

// TransactionMode selects how Coordinator.WithTransaction runs its body.
type TransactionMode int

const (
	// TransactionModeReadWrite executes DML with sequence numbers and commits them.
	TransactionModeReadWrite TransactionMode = iota
	// TransactionModeBufferedMutations buffers mutations and sends them with the commit.
	TransactionModeBufferedMutations
	// TransactionModeReadOnly runs queries at a single timestamp and rejects writes.
	TransactionModeReadOnly
	// TransactionModePartitionedDML runs exactly one non-atomic DML statement.
	TransactionModePartitionedDML
	// TransactionModeFallbackToPDML runs as read-write and retries as partitioned DML
	// when the commit exceeds the mutation limit.
	TransactionModeFallbackToPDML
)

var transactionModeNames = map[TransactionMode]string{
	TransactionModeReadWrite:         "READ_WRITE",
	TransactionModeBufferedMutations: "BUFFERED_MUTATIONS",
	TransactionModeReadOnly:          "READ_ONLY",
	TransactionModePartitionedDML:    "PARTITIONED_DML",
	TransactionModeFallbackToPDML:    "FALLBACK_TO_PDML",
}

func (m TransactionMode) String() string {
	if s, ok := transactionModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("TransactionMode(%d)", int(m))
}

// TransactionModeValues returns all values of TransactionMode.
func TransactionModeValues() []TransactionMode {
	return []TransactionMode{
		TransactionModeReadWrite,
		TransactionModeBufferedMutations,
		TransactionModeReadOnly,
		TransactionModePartitionedDML,
		TransactionModeFallbackToPDML,
	}
}

// TransactionModeString parses s case-insensitively.
func TransactionModeString(s string) (TransactionMode, error) {
	return parse(s, "TransactionMode", TransactionModeValues())
}

// UnmarshalFlag implements flags.Unmarshaler.
func (m *TransactionMode) UnmarshalFlag(value string) error {
	v, err := TransactionModeString(value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// IsWrite reports whether the mode can modify data.
func (m TransactionMode) IsWrite() bool {
	return m != TransactionModeReadOnly
}

// TimestampBoundType is the kind of a read-only timestamp bound.
type TimestampBoundType int

const (
	TimestampBoundTypeStrong TimestampBoundType = iota
	TimestampBoundTypeExactStaleness
	TimestampBoundTypeMaxStaleness
	TimestampBoundTypeReadTimestamp
	TimestampBoundTypeMinReadTimestamp
)

var timestampBoundTypeNames = map[TimestampBoundType]string{
	TimestampBoundTypeStrong:           "STRONG",
	TimestampBoundTypeExactStaleness:   "EXACT_STALENESS",
	TimestampBoundTypeMaxStaleness:     "MAX_STALENESS",
	TimestampBoundTypeReadTimestamp:    "READ_TIMESTAMP",
	TimestampBoundTypeMinReadTimestamp: "MIN_READ_TIMESTAMP",
}

func (t TimestampBoundType) String() string {
	if s, ok := timestampBoundTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TimestampBoundType(%d)", int(t))
}

// TimestampBoundTypeValues returns all values of TimestampBoundType.
func TimestampBoundTypeValues() []TimestampBoundType {
	return []TimestampBoundType{
		TimestampBoundTypeStrong,
		TimestampBoundTypeExactStaleness,
		TimestampBoundTypeMaxStaleness,
		TimestampBoundTypeReadTimestamp,
		TimestampBoundTypeMinReadTimestamp,
	}
}

// TimestampBoundTypeString parses s case-insensitively.
func TimestampBoundTypeString(s string) (TimestampBoundType, error) {
	return parse(s, "TimestampBoundType", TimestampBoundTypeValues())
}

// SingleUseOnly reports whether the bound is only valid for single-use transactions.
func (t TimestampBoundType) SingleUseOnly() bool {
	return t == TimestampBoundTypeMaxStaleness || t == TimestampBoundTypeMinReadTimestamp
}

// OutputFormat is the result format of the command line front-end.
type OutputFormat int

const (
	OutputFormatTable OutputFormat = iota
	OutputFormatJSON
	OutputFormatYAML
	OutputFormatCSV
)

var outputFormatNames = map[OutputFormat]string{
	OutputFormatTable: "TABLE",
	OutputFormatJSON:  "JSON",
	OutputFormatYAML:  "YAML",
	OutputFormatCSV:   "CSV",
}

func (f OutputFormat) String() string {
	if s, ok := outputFormatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("OutputFormat(%d)", int(f))
}

// OutputFormatValues returns all values of OutputFormat.
func OutputFormatValues() []OutputFormat {
	return []OutputFormat{OutputFormatTable, OutputFormatJSON, OutputFormatYAML, OutputFormatCSV}
}

// OutputFormatString parses s case-insensitively.
func OutputFormatString(s string) (OutputFormat, error) {
	return parse(s, "OutputFormat", OutputFormatValues())
}

// UnmarshalFlag implements flags.Unmarshaler.
func (f *OutputFormat) UnmarshalFlag(value string) error {
	v, err := OutputFormatString(value)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

func parse[T fmt.Stringer](s, typeName string, values []T) (T, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), "-", "_")
	for _, v := range values {
		if strings.EqualFold(v.String(), normalized) {
			return v, nil
		}
	}
	var zero T
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.String())
	}
	return zero, fmt.Errorf("%q does not belong to %s values: %s", s, typeName, strings.Join(names, ", "))
}
