package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pipemtx/pipemtx/internal/asyncwriter"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/sample"
	"github.com/pipemtx/pipemtx/internal/stream"
)

var errSessionClosed = errors.New("session is closed")

type sessionParent interface {
	logger.Writer
	closeSession(*session)
}

type sessionState int

const (
	sessionStateInit sessionState = iota
	sessionStateReady
	sessionStatePlaying
	sessionStatePaused
	sessionStateClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionStateInit:
		return "init"
	case sessionStateReady:
		return "ready"
	case sessionStatePlaying:
		return "playing"
	case sessionStatePaused:
		return "paused"
	default:
		return "closed"
	}
}

// session is one client bound to a media. Its goroutine owns the attach (in
// initialize, before the goroutine starts) and the matching detach (always,
// exactly once, on the way out), so the media's refcount stays consistent no
// matter how the session ends: teardown, timeout, slow consumer, pipeline
// failure or shutdown.
type session struct {
	mountPath      string
	transport      defs.Transport
	writeQueueSize int
	mountMan       *mountManager
	parent         sessionParent

	ctx          context.Context
	ctxCancel    func()
	id           uuid.UUID
	created      time.Time
	lastActivity int64 // unix nano, atomic
	media        *media
	strm         *stream.Stream

	mutex      sync.RWMutex
	state      sessionState
	writer     *asyncwriter.Writer
	reading    bool
	kickOnce   sync.Once
	kickReason error

	chPlay  chan chan error
	chPause chan chan error

	done chan struct{}
}

// initialize resolves the mount and attaches to its media. On error nothing
// is left attached. The session goroutine is started separately, with start,
// once the manager has registered the session: its exit path deregisters, so
// it must not be able to run before the registration happened.
func (s *session) initialize() error {
	ctx, ctxCancel := context.WithCancel(context.Background())

	s.ctx = ctx
	s.ctxCancel = ctxCancel
	s.id = uuid.New()
	s.created = time.Now()
	s.state = sessionStateInit
	atomic.StoreInt64(&s.lastActivity, s.created.UnixNano())

	s.chPlay = make(chan chan error)
	s.chPause = make(chan chan error)
	s.done = make(chan struct{})

	me, strm, err := s.attach()
	if err != nil {
		ctxCancel()
		return err
	}
	s.media = me
	s.strm = strm
	s.state = sessionStateReady

	s.Log(logger.Info, "created")

	return nil
}

// start runs the session goroutine. A kick received between initialize and
// start (the media can fail right after the attach) is honored as soon as the
// goroutine runs.
func (s *session) start() {
	go s.run()
}

// attach resolves the mount path and binds to the returned media. A media
// caught while being destroyed is retried against the fresh slot.
func (s *session) attach() (*media, *stream.Stream, error) {
	for {
		me, err := s.mountMan.resolve(s.mountPath)
		if err != nil {
			return nil, nil, err
		}

		strm, err := me.attach(s.ctx, s)
		if err == nil {
			return me, strm, nil
		}
		if !errors.Is(err, errMediaTerminated) {
			return nil, nil, err
		}

		me.wait()
	}
}

// Log implements logger.Writer.
func (s *session) Log(level logger.Level, format string, args ...interface{}) {
	s.parent.Log(level, "[session "+s.id.String()+"] "+format, args...)
}

// ID implements defs.Session.
func (s *session) ID() uuid.UUID {
	return s.id
}

// Stream implements defs.Session.
func (s *session) Stream() *stream.Stream {
	return s.strm
}

// KeepAlive implements defs.Session.
func (s *session) KeepAlive() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *session) lastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// kick closes the session asynchronously with the given reason. The first
// reason wins.
func (s *session) kick(reason error) {
	s.kickOnce.Do(func() {
		s.kickReason = reason
		s.ctxCancel()
	})
}

// Close implements defs.Session.
func (s *session) Close(reason error) {
	s.kick(reason)
}

func (s *session) run() {
	err := s.runInner()

	s.ctxCancel()

	s.mutex.Lock()
	s.state = sessionStateClosed
	writer := s.writer
	reading := s.reading
	s.writer = nil
	s.reading = false
	s.mutex.Unlock()

	if reading {
		s.strm.RemoveReader(s)
	}

	// the transport goes first: closing it releases a Send the writer may
	// still be stuck in, otherwise a stalled consumer could pin the media
	// forever.
	s.transport.Close()
	if writer != nil {
		writer.Stop()
	}

	s.media.detach(s)
	s.parent.closeSession(s)

	s.Log(logger.Info, "destroyed: %v", err)

	close(s.done)
}

func (s *session) runInner() error {
	// the writer is created on the first play; until then its error channel
	// is nil and never fires.
	var writerErr <-chan error

	for {
		select {
		case res := <-s.chPlay:
			err := s.doPlay()
			if err == nil {
				writerErr = s.writerError()
			}
			res <- err

		case res := <-s.chPause:
			res <- s.doPause()

		case err := <-writerErr:
			s.kick(err)
			return err

		case <-s.ctx.Done():
			if s.kickReason != nil {
				return s.kickReason
			}
			return errSessionClosed
		}
	}
}

func (s *session) writerError() <-chan error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Error()
}

func (s *session) doPlay() error {
	s.mutex.Lock()

	if s.state == sessionStatePlaying {
		s.mutex.Unlock()
		return nil
	}

	if st, ok := s.transport.(defs.SampleTransport); ok {
		if s.writer == nil {
			s.writer = asyncwriter.New(s.writeQueueSize, st.Send)
			s.writer.Start()
		}
		s.reading = true
	}
	s.state = sessionStatePlaying
	reading := s.reading
	s.mutex.Unlock()

	if reading {
		s.strm.AddReader(s)
	}

	s.KeepAlive()

	return s.media.setPaused(false)
}

func (s *session) doPause() error {
	s.mutex.Lock()

	if s.state != sessionStatePlaying {
		s.mutex.Unlock()
		return nil
	}

	reading := s.reading
	s.reading = false
	s.state = sessionStatePaused
	s.mutex.Unlock()

	if reading {
		s.strm.RemoveReader(s)
	}

	s.KeepAlive()

	return s.media.setPaused(true)
}

// WriteSample implements stream.Reader. It is called by the media goroutine
// and must not block: the sample goes on the session's bounded queue, and a
// session that cannot keep up is closed without delaying its siblings.
func (s *session) WriteSample(sa *sample.Sample) {
	s.mutex.RLock()
	writer := s.writer
	s.mutex.RUnlock()

	if writer != nil {
		writer.Push(sa)
	}
}

// Play implements defs.Session.
func (s *session) Play() error {
	res := make(chan error)
	select {
	case s.chPlay <- res:
		return <-res
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

// Pause implements defs.Session.
func (s *session) Pause() error {
	res := make(chan error)
	select {
	case s.chPause <- res:
		return <-res
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *session) apiItem() *defs.APISession {
	s.mutex.RLock()
	state := s.state
	s.mutex.RUnlock()

	return &defs.APISession{
		ID:           s.id.String(),
		Mount:        s.mountPath,
		State:        state.String(),
		Created:      s.created,
		LastActivity: s.lastActivityTime(),
	}
}
