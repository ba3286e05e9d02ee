package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Resource type reported in ResourceInfo when a session is missing.
const sessionResourceType = "type.googleapis.com/google.spanner.v1.Session"

// Spanner does not attach a detail to the mutation limit error, only this text.
const mutationLimitMessage = "too many mutations"

// AbortedError reports a transaction aborted by the backend.
// The whole transaction can be retried.
type AbortedError struct {
	// RetryDelay is the delay suggested by the backend, zero if none.
	RetryDelay time.Duration
	Err        error
}

func (e *AbortedError) Error() string {
	if e.RetryDelay > 0 {
		return fmt.Sprintf("transaction aborted (retry after %v): %v", e.RetryDelay, e.Err)
	}
	return fmt.Sprintf("transaction aborted: %v", e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// SessionNotFoundError reports that the backend no longer knows the session.
type SessionNotFoundError struct {
	Session string
	Err     error
}

func (e *SessionNotFoundError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("session not found %q: %v", e.Session, e.Err)
	}
	return fmt.Sprintf("session not found: %v", e.Err)
}

func (e *SessionNotFoundError) Unwrap() error { return e.Err }

// MutationLimitError reports a read-write transaction exceeding the mutation limit.
type MutationLimitError struct {
	Err error
}

func (e *MutationLimitError) Error() string {
	return fmt.Sprintf("mutation limit exceeded: %v", e.Err)
}

func (e *MutationLimitError) Unwrap() error { return e.Err }

// BackendError is any other failure reported by the backend.
type BackendError struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("spanner: code = %q, desc = %q", e.Code, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// GRPCStatus lets status.Code see through the wrapper.
func (e *BackendError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// Classify converts err into the typed taxonomy.
// Errors which do not carry a gRPC status (context errors, client side failures)
// and errors which are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil || IsClassified(err) {
		return err
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Aborted:
		delay, _ := RetryDelay(st)
		return &AbortedError{RetryDelay: delay, Err: err}
	case codes.NotFound:
		if name, ok := missingSession(st); ok {
			return &SessionNotFoundError{Session: name, Err: err}
		}
	case codes.InvalidArgument:
		if strings.Contains(strings.ToLower(st.Message()), mutationLimitMessage) {
			return &MutationLimitError{Err: err}
		}
	}
	return &BackendError{Code: st.Code(), Message: st.Message(), Err: err}
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	var (
		aborted  *AbortedError
		notFound *SessionNotFoundError
		limit    *MutationLimitError
		be       *BackendError
	)
	return errors.As(err, &aborted) || errors.As(err, &notFound) || errors.As(err, &limit) || errors.As(err, &be)
}

// IsAborted reports whether err is, or wraps, an AbortedError.
func IsAborted(err error) bool {
	var aborted *AbortedError
	return errors.As(err, &aborted)
}

// IsSessionNotFound reports whether err is, or wraps, a SessionNotFoundError.
func IsSessionNotFound(err error) bool {
	var notFound *SessionNotFoundError
	return errors.As(err, &notFound)
}

// IsMutationLimit reports whether err is, or wraps, a MutationLimitError.
func IsMutationLimit(err error) bool {
	var limit *MutationLimitError
	return errors.As(err, &limit)
}

// RetryDelay extracts the RetryInfo detail from st.
func RetryDelay(st *status.Status) (time.Duration, bool) {
	if st == nil {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			d := info.GetRetryDelay()
			if d.GetSeconds() < 0 || d.GetNanos() < 0 {
				return 0, false
			}
			return time.Duration(d.GetSeconds())*time.Second + time.Duration(d.GetNanos()), true
		}
	}
	return 0, false
}

func missingSession(st *status.Status) (string, bool) {
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ResourceInfo); ok && info.GetResourceType() == sessionResourceType {
			return info.GetResourceName(), true
		}
	}
	if strings.Contains(st.Message(), "Session not found") {
		return "", true
	}
	return "", false
}
