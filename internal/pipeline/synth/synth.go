// Package synth contains a built-in pipeline engine that synthesizes a test
// video stream. It understands a minimal launch syntax, enough to make the
// server usable without an external media engine:
//
//	videotestsrc [framerate=N]
package synth

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/pipemtx/pipemtx/internal/pipeline"
	"github.com/pipemtx/pipemtx/internal/sample"
)

const (
	rtpClockRate     = 90000
	defaultFramerate = 30
)

var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x1f, 0xd9, 0x00, 0xf0, 0x11,
	0x7e, 0xf0, 0x11, 0x00, 0x00, 0x03, 0x00, 0x01,
	0x00, 0x00, 0x03, 0x00, 0x30, 0x8f, 0x18, 0x32,
	0x48,
}

var testPPS = []byte{0x68, 0xcb, 0x8c, 0xb2}

// Engine is a pipeline engine that synthesizes streams.
type Engine struct{}

// NewPipeline implements pipeline.Engine.
func (*Engine) NewPipeline(launch string) (pipeline.Handle, error) {
	fields := strings.Fields(launch)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty launch line")
	}

	h := &handle{
		element:   fields[0],
		framerate: defaultFramerate,
	}

	// properties are validated only for elements this engine provides; an
	// unknown element is reported asynchronously, like a missing plugin.
	if h.element == "videotestsrc" {
		for _, prop := range fields[1:] {
			key, value, ok := strings.Cut(prop, "=")
			if !ok {
				return nil, fmt.Errorf("invalid property '%s'", prop)
			}

			switch key {
			case "framerate":
				v, err := strconv.Atoi(value)
				if err != nil || v <= 0 {
					return nil, fmt.Errorf("invalid framerate '%s'", value)
				}
				h.framerate = v

			default:
				return nil, fmt.Errorf("unsupported property '%s'", key)
			}
		}
	}

	h.initialize()

	return h, nil
}

type handle struct {
	element   string
	framerate int

	desc       *description.Session
	chStates   chan pipeline.StateChange
	chSamples  chan *sample.Sample
	terminate  chan struct{}
	playing    chan struct{}
	mutex      sync.Mutex
	started    bool
	stopped    bool
	isPlaying  bool
	stopOnce   sync.Once
	runnerDone chan struct{}
}

func (h *handle) initialize() {
	h.desc = &description.Session{
		Medias: []*description.Media{{
			Type: description.MediaTypeVideo,
			Formats: []format.Format{&format.H264{
				PayloadTyp:        96,
				SPS:               testSPS,
				PPS:               testPPS,
				PacketizationMode: 1,
			}},
		}},
	}
	h.chStates = make(chan pipeline.StateChange, 4)
	h.chSamples = make(chan *sample.Sample, 8)
	h.terminate = make(chan struct{})
	h.playing = make(chan struct{})
	h.runnerDone = make(chan struct{})
}

// Prepare implements pipeline.Handle.
func (h *handle) Prepare() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.started {
		return fmt.Errorf("pipeline is already prepared")
	}
	h.started = true

	go h.run()

	return nil
}

// Start implements pipeline.Handle.
func (h *handle) Start() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.started || h.stopped {
		return fmt.Errorf("pipeline is not ready")
	}
	if !h.isPlaying {
		h.isPlaying = true
		close(h.playing)
		h.notify(pipeline.StateChange{State: pipeline.StatePlaying})
	}

	return nil
}

// Pause implements pipeline.Handle.
func (h *handle) Pause() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.isPlaying {
		return fmt.Errorf("pipeline is not playing")
	}
	h.isPlaying = false
	h.playing = make(chan struct{})
	h.notify(pipeline.StateChange{State: pipeline.StatePaused})

	return nil
}

// Stop implements pipeline.Handle.
func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		h.mutex.Lock()
		h.stopped = true
		started := h.started
		h.mutex.Unlock()

		close(h.terminate)
		if started {
			<-h.runnerDone
		}
	})
}

// Description implements pipeline.Handle.
func (h *handle) Description() *description.Session {
	return h.desc
}

// StateChanges implements pipeline.Handle.
func (h *handle) StateChanges() <-chan pipeline.StateChange {
	return h.chStates
}

// Samples implements pipeline.Handle.
func (h *handle) Samples() <-chan *sample.Sample {
	return h.chSamples
}

func (h *handle) notify(sc pipeline.StateChange) {
	select {
	case h.chStates <- sc:
	case <-h.terminate:
	}
}

func (h *handle) run() {
	defer close(h.runnerDone)

	if h.element != "videotestsrc" {
		h.notify(pipeline.StateChange{
			State: pipeline.StateError,
			Err:   fmt.Errorf("no such element '%s'", h.element),
		})
		return
	}

	h.notify(pipeline.StateChange{State: pipeline.StateReady})

	interval := time.Second / time.Duration(h.framerate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ssrc := rand.Uint32()
	seq := uint16(rand.Uint32())
	rtpTime := rand.Uint32()
	start := time.Now()

	for {
		h.mutex.Lock()
		playing := h.playing
		h.mutex.Unlock()

		select {
		case <-playing:
		case <-h.terminate:
			return
		}

		select {
		case <-ticker.C:
			now := time.Now()
			seq++
			rtpTime += uint32(rtpClockRate / h.framerate)

			sa := &sample.Sample{
				Track: 0,
				Packet: &rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						Marker:         true,
						PayloadType:    96,
						SequenceNumber: seq,
						Timestamp:      rtpTime,
						SSRC:           ssrc,
					},
					Payload: fillerAccessUnit(),
				},
				NTP: now,
				PTS: now.Sub(start),
			}

			select {
			case h.chSamples <- sa:
			case <-h.terminate:
				return
			default:
				// the core is not consuming; drop rather than stall
			}

		case <-h.terminate:
			return
		}
	}
}

// fillerAccessUnit returns a filler NALU, a valid unit that decoders discard.
func fillerAccessUnit() []byte {
	payload := make([]byte, 32)
	payload[0] = 0x0c
	for i := 1; i < len(payload); i++ {
		payload[i] = 0xff
	}
	payload[len(payload)-1] = 0x80
	return payload
}
