package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by SendCommand while no connection is open.
	ErrNotConnected = errors.New("client not connected")
	// ErrDisconnected is returned by Connect when Disconnect interrupts it.
	ErrDisconnected = errors.New("client disconnected")
)

// TransportError wraps a failure of the underlying connection.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
