package rpc

import "errors"

// ErrShutdown is returned for operations on a closed endpoint.
var ErrShutdown = errors.New("rpc: endpoint closed")

// Handler consumes one inbound message and produces the reply body.
// Handlers are entered serially per endpoint.
type Handler func(from string, body []byte) ([]byte, error)

// Endpoint is an asynchronous point-to-point message port.
type Endpoint interface {
	// URI returns the address peers use to reach this endpoint.
	URI() string

	// Send transmits body to the endpoint at dst. done runs exactly once
	// when the exchange completes: with the peer's reply on success, or
	// with the transport or handler error. Send itself only fails when
	// the message cannot be queued at all.
	Send(dst string, body []byte, done func(reply []byte, err error)) error

	// Close stops the endpoint. In-flight exchanges complete or fail
	// with ErrShutdown.
	Close() error
}
