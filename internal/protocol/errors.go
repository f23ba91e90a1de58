package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrConnection covers refused, unreachable and dropped links.
	ErrConnection = errors.New("connection error")
	// ErrTimeout means no reply arrived within the configured budget.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol means a reply was malformed or incomplete.
	ErrProtocol = errors.New("protocol error")
)

// ProtocolError describes a payload rejected at the decode boundary.
type ProtocolError struct {
	Op     string
	Field  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Op
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
func (e *ProtocolError) Unwrap() error        { return e.Err }

func protoErr(op, field, reason string, err error) error {
	return &ProtocolError{Op: op, Field: field, Reason: reason, Err: err}
}

// Classify maps a raw transport error onto ErrConnection, ErrTimeout or ErrProtocol.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProtocol) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
