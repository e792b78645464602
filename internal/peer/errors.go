package peer

import (
	"errors"
	"fmt"
)

// FailureKind is the specific kind of link failure.
type FailureKind string

const (
	FailConnect   FailureKind = "connect_failed"
	FailDiscovery FailureKind = "discovery_failed"
	FailTimeout   FailureKind = "timeout"
	FailLinkLost  FailureKind = "link_lost"
)

// LinkError represents a connect, discovery or link-loss failure. It
// transitions the connection to Faulted; reconnection is the caller's
// explicit responsibility.
type LinkError struct {
	Kind FailureKind
	Msg  string
}

func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare LinkError values by Kind.
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for link failure kinds.
var (
	ErrConnectFailed   = &LinkError{Kind: FailConnect}
	ErrDiscoveryFailed = &LinkError{Kind: FailDiscovery}
	ErrTimeout         = &LinkError{Kind: FailTimeout}
	ErrLinkLost        = &LinkError{Kind: FailLinkLost}
)

// Operation errors.
var (
	ErrNotConnected  = errors.New("not connected")
	ErrWriteRejected = errors.New("write rejected")
)

// OversizeWriteError rejects a payload exceeding the negotiated MTU budget.
// The payload is never truncated or chunked on the caller's behalf.
type OversizeWriteError struct {
	Size int
	Max  int
}

func (e *OversizeWriteError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds MTU write budget of %d bytes", e.Size, e.Max)
}

// Unwrap makes OversizeWriteError match ErrWriteRejected via errors.Is.
func (e *OversizeWriteError) Unwrap() error { return ErrWriteRejected }

// linkErrorf builds a LinkError of the given kind with a formatted message.
func linkErrorf(kind FailureKind, format string, args ...interface{}) *LinkError {
	return &LinkError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
