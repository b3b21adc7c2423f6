package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccessDenied is returned when camera or microphone permission
	// is refused. The user can retry after granting it.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNegotiationFailed means the peer connection reached its terminal
	// failed state. The call can only be recovered by a full retry.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrStaleSignal marks a signaling message that does not fit the current
	// negotiation state. Such messages are dropped.
	ErrStaleSignal = errors.New("stale signal")
)

// TransportError wraps a relay failure. It is transient: callers retry on the
// next tick.
type TransportError struct {
	Op  string
	Err error
}

func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
