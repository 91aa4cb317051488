package synth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipemtx/pipemtx/internal/pipeline"
)

func TestParseLaunch(t *testing.T) {
	e := &Engine{}

	for _, ca := range []string{
		"",
		"videotestsrc framerate",
		"videotestsrc framerate=0",
		"videotestsrc framerate=abc",
		"videotestsrc loop=1",
	} {
		t.Run(ca, func(t *testing.T) {
			_, err := e.NewPipeline(ca)
			require.Error(t, err)
		})
	}
}

func waitState(t *testing.T, h pipeline.Handle, state pipeline.State) pipeline.StateChange {
	t.Helper()
	for {
		select {
		case sc := <-h.StateChanges():
			if sc.State == state || sc.State == pipeline.StateError {
				return sc
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state %v", state)
		}
	}
}

func TestUnknownElement(t *testing.T) {
	e := &Engine{}

	h, err := e.NewPipeline("rtspsrc location=rtsp://example.com")
	require.NoError(t, err)
	defer h.Stop()

	require.NoError(t, h.Prepare())

	sc := waitState(t, h, pipeline.StateError)
	require.Equal(t, pipeline.StateError, sc.State)
	require.Error(t, sc.Err)
}

func TestStream(t *testing.T) {
	e := &Engine{}

	h, err := e.NewPipeline("videotestsrc framerate=100")
	require.NoError(t, err)
	defer h.Stop()

	desc := h.Description()
	require.Equal(t, 1, len(desc.Medias))

	require.NoError(t, h.Prepare())

	sc := waitState(t, h, pipeline.StateReady)
	require.Equal(t, pipeline.StateReady, sc.State)

	// no samples before the pipeline is started.
	select {
	case <-h.Samples():
		t.Fatal("received a sample from a pipeline that was not started")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.Start())

	sc = waitState(t, h, pipeline.StatePlaying)
	require.Equal(t, pipeline.StatePlaying, sc.State)

	for i := 0; i < 5; i++ {
		select {
		case sa := <-h.Samples():
			require.Equal(t, uint8(96), sa.Packet.PayloadType)
			require.Equal(t, 0, sa.Track)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a sample")
		}
	}

	require.NoError(t, h.Pause())

	sc = waitState(t, h, pipeline.StatePaused)
	require.Equal(t, pipeline.StatePaused, sc.State)
}
