package bootstrap

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a bootstrap failure
type Kind string

const (
	ProcessStartFailure  Kind = "ProcessStartFailure"
	NodeUnreachable      Kind = "NodeUnreachable"
	ConfigCommandFailure Kind = "ConfigCommandFailure"
	TopologyInvalid      Kind = "TopologyInvalid"
	Canceled             Kind = "Canceled"
)

// Error is returned by Bootstrap. State holds what was achieved before the
// failure; it is nil for TopologyInvalid, which happens before any side effect.
type Error struct {
	Kind  Kind
	Node  string
	Step  string
	Err   error
	State *ClusterState
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Step != "" {
		fmt.Fprintf(&b, ": %s", e.Step)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " on %s", e.Node)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a bootstrap error of the given kind
func IsKind(err error, kind Kind) bool {
	var bErr *Error
	return errors.As(err, &bErr) && bErr.Kind == kind
}

var (
	errProcessExited = errors.New("process exited")
	errNoPrimary     = errors.New("no primary elected yet")
)
