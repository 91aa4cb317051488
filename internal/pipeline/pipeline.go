// Package pipeline defines the interface between the server core and the
// media engine that runs pipelines.
package pipeline

import (
	"github.com/bluenviron/gortsplib/v4/pkg/description"

	"github.com/pipemtx/pipemtx/internal/sample"
)

// State is the state of a pipeline instance.
type State int

// Pipeline states.
const (
	StateUnprepared State = iota
	StatePreparing
	StateReady
	StatePlaying
	StatePaused
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "error"
	}
}

// StateChange is an asynchronous state notification from the engine.
// When State is StateError, Err carries the reason.
type StateChange struct {
	State State
	Err   error
}

// Handle controls a single pipeline instance. A handle is owned by exactly
// one caller, which is the only one allowed to invoke its methods. The engine
// may run the pipeline on its own threads; it communicates back exclusively
// through the StateChanges and Samples channels, which stay open until Stop
// returns.
type Handle interface {
	// Prepare begins asynchronous initialization of the pipeline. The
	// outcome is delivered through StateChanges as StateReady or StateError.
	Prepare() error

	// Start sets the pipeline to playing. Valid once ready.
	Start() error

	// Pause suspends sample production. Valid while playing.
	Pause() error

	// Stop stops the pipeline and releases its resources. It can be called
	// in any state and is idempotent.
	Stop()

	// Description returns the media description of the pipeline output.
	// Valid once the pipeline is ready.
	Description() *description.Session

	// StateChanges returns the channel on which state notifications are
	// delivered.
	StateChanges() <-chan StateChange

	// Samples returns the channel on which produced samples are delivered.
	Samples() <-chan *sample.Sample
}

// Engine creates pipeline instances from launch lines.
type Engine interface {
	// NewPipeline parses a launch line and allocates a pipeline instance in
	// the unprepared state.
	NewPipeline(launch string) (Handle, error)
}
