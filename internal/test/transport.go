package test

import (
	"sync"

	"github.com/pipemtx/pipemtx/internal/sample"
)

// Transport is a fake transport. If OnSend is nil, samples are discarded.
type Transport struct {
	// OnSend, if set, receives every sample.
	OnSend func(sa *sample.Sample) error

	mutex     sync.Mutex
	closed    bool
	closeOnce sync.Once

	// Closed is closed when Close is called.
	Closed chan struct{}
}

// NewTransport allocates a Transport.
func NewTransport() *Transport {
	return &Transport{
		Closed: make(chan struct{}),
	}
}

// Send implements defs.SampleTransport.
func (t *Transport) Send(sa *sample.Sample) error {
	if t.OnSend != nil {
		return t.OnSend(sa)
	}
	return nil
}

// Close implements defs.Transport.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mutex.Lock()
		t.closed = true
		t.mutex.Unlock()
		close(t.Closed)
	})
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closed
}

// NullTransport is a transport that does not consume samples itself; RTSP
// sessions behave this way, since delivery happens through the shared server
// stream.
type NullTransport struct {
	closeOnce sync.Once

	// Closed is closed when Close is called.
	Closed chan struct{}
}

// NewNullTransport allocates a NullTransport.
func NewNullTransport() *NullTransport {
	return &NullTransport{
		Closed: make(chan struct{}),
	}
}

// Close implements defs.Transport.
func (t *NullTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.Closed)
	})
}
