package memory

import (
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Method names an RPC of the Server for fault injection and call accounting.
type Method string

const (
	MethodCreateSession    Method = "CreateSession"
	MethodDeleteSession    Method = "DeleteSession"
	MethodExecuteSql       Method = "ExecuteSql"
	MethodExecuteBatchDml  Method = "ExecuteBatchDml"
	MethodBeginTransaction Method = "BeginTransaction"
	MethodCommit           Method = "Commit"
	MethodRollback         Method = "Rollback"
	MethodUpdateDDL        Method = "UpdateDDL"
	MethodGetOperation     Method = "GetOperation"
)

type fault struct {
	remaining int
	err       error
}

// InjectFault makes the next times calls of m fail with err before they take effect.
// A failed Commit also discards its transaction, like a real abort does.
func (s *Server) InjectFault(m Method, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[m] = append(s.faults[m], &fault{remaining: times, err: err})
}

// takeFault must be called with s.mu held.
func (s *Server) takeFault(m Method) error {
	queue := s.faults[m]
	for len(queue) > 0 && queue[0].remaining <= 0 {
		queue = queue[1:]
	}
	s.faults[m] = queue
	if len(queue) == 0 {
		return nil
	}
	queue[0].remaining--
	return queue[0].err
}

// AbortedStatus builds the error the backend returns for an aborted transaction.
// A positive delay is attached as RetryInfo.
func AbortedStatus(delay time.Duration) error {
	st := status.New(codes.Aborted, "Transaction was aborted.")
	if delay <= 0 {
		return st.Err()
	}
	withInfo, err := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)})
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// SessionNotFoundStatus builds the error the backend returns for an unknown session.
func SessionNotFoundStatus(name string) error {
	st := status.New(codes.NotFound, fmt.Sprintf("Session not found: %s", name))
	withInfo, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: "type.googleapis.com/google.spanner.v1.Session",
		ResourceName: name,
		Description:  "Session does not exist.",
	})
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// MutationLimitStatus builds the error the backend returns when a commit has too many mutations.
func MutationLimitStatus(limit int) error {
	return status.Errorf(codes.InvalidArgument,
		"The transaction contains too many mutations. Insert and update operations count with the multiplicity of the number of columns they affect. For example, inserting values into one key column and four non-key columns count as five mutations total for the insert. Delete and delete range operations count as one mutation regardless of the number of columns affected. The total mutation count includes any changes to indexes that the transaction generates. Please reduce the number of writes, or use fewer indexes. (Maximum number: %d)", limit)
}
