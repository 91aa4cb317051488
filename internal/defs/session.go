package defs

import (
	"github.com/google/uuid"

	"github.com/pipemtx/pipemtx/internal/stream"
)

// Session is a client session, as seen by protocol servers.
type Session interface {
	// ID returns the session identifier.
	ID() uuid.UUID

	// Stream returns the stream of the bound mount.
	Stream() *stream.Stream

	// Play starts or resumes sample delivery.
	Play() error

	// Pause suspends sample delivery.
	Pause() error

	// KeepAlive marks the session as active, resetting its timeout window.
	KeepAlive()

	// Close closes the session with the given reason. It is idempotent and
	// returns once the closure has been initiated, not completed.
	Close(reason error)
}
