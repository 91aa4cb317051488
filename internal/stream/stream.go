// Package stream contains the fan-out hub between a live pipeline and its
// readers.
package stream

import (
	"fmt"
	"sync"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"

	"github.com/pipemtx/pipemtx/internal/sample"
)

// Reader receives the samples of a stream. WriteSample must not block.
type Reader interface {
	WriteSample(sa *sample.Sample)
}

// Stream fans the output of one pipeline out to a set of readers. Readers can
// be added and removed while samples flow; sample delivery to one reader never
// blocks delivery to the others.
type Stream struct {
	// Desc is the media description of the pipeline output.
	Desc *description.Session

	mutex      sync.RWMutex
	readers    map[Reader]struct{}
	rtspStream *gortsplib.ServerStream
	closed     bool
}

// Initialize initializes the stream.
func (s *Stream) Initialize() {
	s.readers = make(map[Reader]struct{})
}

// Close closes the stream and the RTSP server stream, if one was created.
func (s *Stream) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	if s.rtspStream != nil {
		s.rtspStream.Close()
		s.rtspStream = nil
	}
}

// AddReader adds a reader.
func (s *Stream) AddReader(r Reader) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.readers[r] = struct{}{}
}

// RemoveReader removes a reader.
func (s *Stream) RemoveReader(r Reader) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.readers, r)
}

// ReaderCount returns the number of readers.
func (s *Stream) ReaderCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.readers)
}

// RTSPStream returns the gortsplib server stream associated with this stream,
// creating it on first use. All RTSP sessions reading the same stream share
// it; gortsplib performs the per-session delivery.
func (s *Stream) RTSPStream(server *gortsplib.Server) (*gortsplib.ServerStream, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, fmt.Errorf("stream is closed")
	}

	if s.rtspStream == nil {
		s.rtspStream = gortsplib.NewServerStream(server, s.Desc)
	}

	return s.rtspStream, nil
}

// WriteSample forwards a sample to every reader and to the RTSP server
// stream, if present.
func (s *Stream) WriteSample(sa *sample.Sample) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for r := range s.readers {
		r.WriteSample(sa)
	}

	if s.rtspStream != nil && sa.Track < len(s.Desc.Medias) {
		s.rtspStream.WritePacketRTPWithNTP(s.Desc.Medias[sa.Track], sa.Packet, sa.NTP) //nolint:errcheck
	}
}
