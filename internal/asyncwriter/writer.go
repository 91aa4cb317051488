// Package asyncwriter contains an asynchronous writer with a bounded queue.
package asyncwriter

import (
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/sample"
)

// Writer decouples a sample producer from a slow consumer: samples are pushed
// on a bounded queue and drained by a dedicated goroutine. When the queue
// overflows, the writer stops and reports the error, so that a slow consumer
// can be disconnected without stalling the producer.
type Writer struct {
	send func(*sample.Sample) error

	buffer    chan *sample.Sample
	err       chan error
	terminate chan struct{}
	done      chan struct{}
}

// New allocates a Writer.
func New(queueSize int, send func(*sample.Sample) error) *Writer {
	return &Writer{
		send:      send,
		buffer:    make(chan *sample.Sample, queueSize),
		err:       make(chan error, 1),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start starts the draining goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Stop makes the draining goroutine exit. It does not wait for an in-flight
// Send: a consumer stalled inside Send must not be able to wedge the caller's
// teardown. Wait returns once the goroutine is actually gone.
func (w *Writer) Stop() {
	close(w.terminate)
}

// Wait blocks until the draining goroutine has returned.
func (w *Writer) Wait() {
	<-w.done
}

// Error returns a channel that receives the first delivery error, either a
// queue overflow or a consumer failure.
func (w *Writer) Error() <-chan error {
	return w.err
}

// Push enqueues a sample without blocking. On overflow, the overflow error is
// reported through Error and subsequent samples are discarded.
func (w *Writer) Push(sa *sample.Sample) {
	select {
	case w.buffer <- sa:
	default:
		w.reportError(defs.ErrSlowConsumer)
	}
}

func (w *Writer) reportError(err error) {
	select {
	case w.err <- err:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case sa := <-w.buffer:
			err := w.send(sa)
			if err != nil {
				w.reportError(err)
				return
			}

		case <-w.terminate:
			return
		}
	}
}
