package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionModeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    TransactionMode
		wantErr bool
	}{
		{input: "READ_WRITE", want: TransactionModeReadWrite},
		{input: "read_only", want: TransactionModeReadOnly},
		{input: "partitioned-dml", want: TransactionModePartitionedDML},
		{input: " Fallback_To_PDML ", want: TransactionModeFallbackToPDML},
		{input: "BUFFERED_MUTATIONS", want: TransactionModeBufferedMutations},
		{input: "AUTOCOMMIT", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := TransactionModeString(tt.input)
			if tt.wantErr {
				assert.ErrorContains(t, err, "does not belong to TransactionMode values")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnumRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range TransactionModeValues() {
		got, err := TransactionModeString(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, v := range TimestampBoundTypeValues() {
		got, err := TimestampBoundTypeString(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, v := range OutputFormatValues() {
		got, err := OutputFormatString(v.String())
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestUnmarshalFlag(t *testing.T) {
	t.Parallel()

	var mode TransactionMode
	require.NoError(t, mode.UnmarshalFlag("read_only"))
	assert.Equal(t, TransactionModeReadOnly, mode)
	assert.Error(t, mode.UnmarshalFlag("bogus"))
	assert.Equal(t, TransactionModeReadOnly, mode)

	var format OutputFormat
	require.NoError(t, format.UnmarshalFlag("yaml"))
	assert.Equal(t, OutputFormatYAML, format)
}

func TestUnknownValues(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "TransactionMode(42)", TransactionMode(42).String())
	assert.Equal(t, "OutputFormat(-1)", OutputFormat(-1).String())
	assert.True(t, TimestampBoundTypeMaxStaleness.SingleUseOnly())
	assert.False(t, TimestampBoundTypeExactStaleness.SingleUseOnly())
	assert.False(t, TransactionModeReadOnly.IsWrite())
}
