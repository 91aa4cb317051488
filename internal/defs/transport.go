// Package defs contains shared definitions.
package defs

import (
	"github.com/pipemtx/pipemtx/internal/sample"
)

// Transport is a session's connection towards a client. It is created by a
// protocol server and handed to the session, which owns it until closure.
type Transport interface {
	// Close closes the transport. It must be idempotent and must cause a
	// pending Send to return.
	Close()
}

// SampleTransport is a Transport that receives samples one session at a time,
// through the session's delivery queue. Transports that perform their own
// fan-out (such as RTSP over a shared server stream) implement only Transport.
type SampleTransport interface {
	Transport

	// Send delivers a sample to the client. It is called from the session's
	// delivery goroutine and may block; a stalled transport makes the
	// session's queue overflow, which closes the session.
	Send(sa *sample.Sample) error
}
