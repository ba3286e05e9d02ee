package txn

import (
	"fmt"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/spanner-txmgr/enums"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// TimestampBound selects the read timestamp of a read-only transaction.
type TimestampBound struct {
	Type      enums.TimestampBoundType
	Staleness time.Duration
	Timestamp time.Time
}

// StrongRead reads the latest committed data.
func StrongRead() TimestampBound {
	return TimestampBound{Type: enums.TimestampBoundTypeStrong}
}

// ExactStaleness reads at exactly d in the past.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{Type: enums.TimestampBoundTypeExactStaleness, Staleness: d}
}

// MaxStaleness reads at a timestamp no older than d. Single-use only.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{Type: enums.TimestampBoundTypeMaxStaleness, Staleness: d}
}

// ReadTimestamp reads at t.
func ReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{Type: enums.TimestampBoundTypeReadTimestamp, Timestamp: t}
}

// MinReadTimestamp reads at a timestamp no earlier than t. Single-use only.
func MinReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{Type: enums.TimestampBoundTypeMinReadTimestamp, Timestamp: t}
}

func (b TimestampBound) String() string {
	switch b.Type {
	case enums.TimestampBoundTypeExactStaleness, enums.TimestampBoundTypeMaxStaleness:
		return fmt.Sprintf("%v(%v)", b.Type, b.Staleness)
	case enums.TimestampBoundTypeReadTimestamp, enums.TimestampBoundTypeMinReadTimestamp:
		return fmt.Sprintf("%v(%v)", b.Type, b.Timestamp.Format(time.RFC3339Nano))
	default:
		return b.Type.String()
	}
}

func (b TimestampBound) proto() *sppb.TransactionOptions_ReadOnly {
	ro := &sppb.TransactionOptions_ReadOnly{ReturnReadTimestamp: true}
	switch b.Type {
	case enums.TimestampBoundTypeExactStaleness:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(b.Staleness)}
	case enums.TimestampBoundTypeMaxStaleness:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_MaxStaleness{MaxStaleness: durationpb.New(b.Staleness)}
	case enums.TimestampBoundTypeReadTimestamp:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_ReadTimestamp{ReadTimestamp: timestamppb.New(b.Timestamp)}
	case enums.TimestampBoundTypeMinReadTimestamp:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_MinReadTimestamp{MinReadTimestamp: timestamppb.New(b.Timestamp)}
	default:
		ro.TimestampBound = &sppb.TransactionOptions_ReadOnly_Strong{Strong: true}
	}
	return ro
}
