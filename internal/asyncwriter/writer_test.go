package asyncwriter

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/sample"
)

func TestWriterDrain(t *testing.T) {
	var count int64
	w := New(8, func(_ *sample.Sample) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	w.Start()
	defer w.Stop()

	for i := 0; i < 8; i++ {
		w.Push(&sample.Sample{})
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 8
	}, time.Second, 10*time.Millisecond)

	select {
	case err := <-w.Error():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestWriterOverflow(t *testing.T) {
	blocked := make(chan struct{})
	w := New(2, func(_ *sample.Sample) error {
		<-blocked
		return nil
	})
	w.Start()
	defer func() {
		close(blocked)
		w.Stop()
	}()

	// one sample in flight, two in the queue, the fourth overflows.
	for i := 0; i < 4; i++ {
		w.Push(&sample.Sample{})
	}

	select {
	case err := <-w.Error():
		require.ErrorIs(t, err, defs.ErrSlowConsumer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for overflow error")
	}
}

func TestWriterStopWithStalledSend(t *testing.T) {
	blocked := make(chan struct{})
	w := New(2, func(_ *sample.Sample) error {
		<-blocked
		return nil
	})
	w.Start()

	w.Push(&sample.Sample{})
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited for the stalled send")
	}

	close(blocked)
	w.Wait()
}

func TestWriterSendError(t *testing.T) {
	sendErr := fmt.Errorf("connection reset")
	w := New(2, func(_ *sample.Sample) error {
		return sendErr
	})
	w.Start()
	defer w.Stop()

	w.Push(&sample.Sample{})

	select {
	case err := <-w.Error():
		require.ErrorIs(t, err, sendErr)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send error")
	}
}
