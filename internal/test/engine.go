package test

import (
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/pipemtx/pipemtx/internal/pipeline"
	"github.com/pipemtx/pipemtx/internal/sample"
)

// UniqueMediaH264 returns a new H264 media.
func UniqueMediaH264() *description.Media {
	return &description.Media{
		Type: description.MediaTypeVideo,
		Formats: []format.Format{&format.H264{
			PayloadTyp:        96,
			PacketizationMode: 1,
		}},
	}
}

// UniqueSample returns a new sample with the given sequence number.
func UniqueSample(seq uint16) *sample.Sample {
	return &sample.Sample{
		Packet: &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: seq,
			},
			Payload: []byte{0x05, 0x01},
		},
		NTP: time.Now(),
	}
}

// Handle is a fake pipeline.Handle driven by the test.
type Handle struct {
	// Desc is the description returned by Description.
	Desc *description.Session

	// PrepareErr, if set, makes Prepare fail.
	PrepareErr error

	// StartErr, if set, makes Start fail.
	StartErr error

	// Stopped is closed when Stop is called.
	Stopped chan struct{}

	chStates  chan pipeline.StateChange
	chSamples chan *sample.Sample

	mutex      sync.Mutex
	prepared   int
	startCount int
	pauseCount int
	stopOnce   sync.Once
}

// NewHandle allocates a Handle.
func NewHandle() *Handle {
	return &Handle{
		Desc: &description.Session{
			Medias: []*description.Media{UniqueMediaH264()},
		},
		Stopped:   make(chan struct{}),
		chStates:  make(chan pipeline.StateChange, 8),
		chSamples: make(chan *sample.Sample, 16),
	}
}

// Prepare implements pipeline.Handle.
func (h *Handle) Prepare() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.PrepareErr != nil {
		return h.PrepareErr
	}
	h.prepared++
	return nil
}

// Start implements pipeline.Handle.
func (h *Handle) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.StartErr != nil {
		return h.StartErr
	}
	h.startCount++
	return nil
}

// Pause implements pipeline.Handle.
func (h *Handle) Pause() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.pauseCount++
	return nil
}

// Stop implements pipeline.Handle.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.Stopped)
	})
}

// Description implements pipeline.Handle.
func (h *Handle) Description() *description.Session {
	return h.Desc
}

// StateChanges implements pipeline.Handle.
func (h *Handle) StateChanges() <-chan pipeline.StateChange {
	return h.chStates
}

// Samples implements pipeline.Handle.
func (h *Handle) Samples() <-chan *sample.Sample {
	return h.chSamples
}

// NotifyReady reports that the pipeline has become ready.
func (h *Handle) NotifyReady() {
	h.chStates <- pipeline.StateChange{State: pipeline.StateReady}
}

// NotifyError reports an asynchronous pipeline failure.
func (h *Handle) NotifyError(err error) {
	h.chStates <- pipeline.StateChange{State: pipeline.StateError, Err: err}
}

// Push emits a sample.
func (h *Handle) Push(sa *sample.Sample) {
	h.chSamples <- sa
}

// StartCount returns how many times Start was called.
func (h *Handle) StartCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.startCount
}

// PauseCount returns how many times Pause was called.
func (h *Handle) PauseCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pauseCount
}

// Engine is a fake pipeline.Engine that records the pipelines it creates.
type Engine struct {
	// OnNewPipeline, if set, provides the handle for each launch line.
	OnNewPipeline func(launch string) (*Handle, error)

	mutex   sync.Mutex
	handles []*Handle
}

// NewPipeline implements pipeline.Engine.
func (e *Engine) NewPipeline(launch string) (pipeline.Handle, error) {
	var h *Handle
	if e.OnNewPipeline != nil {
		var err error
		h, err = e.OnNewPipeline(launch)
		if err != nil {
			return nil, err
		}
	} else {
		h = NewHandle()
	}

	e.mutex.Lock()
	e.handles = append(e.handles, h)
	e.mutex.Unlock()

	return h, nil
}

// PipelineCount returns the number of pipelines created so far.
func (e *Engine) PipelineCount() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.handles)
}

// HandleAt returns the i-th created handle.
func (e *Engine) HandleAt(i int) *Handle {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.handles[i]
}
