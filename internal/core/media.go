package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/pipeline"
	"github.com/pipemtx/pipemtx/internal/stream"
)

var (
	errMediaTerminated = errors.New("media is being destroyed")
	errMediaNotInUse   = errors.New("not in use")
)

// describeLinger is how long a media stays up after serving a describe with
// no sessions attached. Without it, a mount with no grace period would tear
// down the pipeline between the DESCRIBE response and the SETUP that follows.
var describeLinger = 10 * time.Second

func emptyTimer() *time.Timer {
	t := time.NewTimer(0)
	<-t.C
	return t
}

type mediaParent interface {
	logger.Writer
	closeMedia(*media)
}

type mediaState int

const (
	mediaStateStarting mediaState = iota
	mediaStateLive
	mediaStateDraining
)

func (s mediaState) String() string {
	switch s {
	case mediaStateStarting:
		return "starting"
	case mediaStateLive:
		return "live"
	default:
		return "draining"
	}
}

type mediaAttachRes struct {
	stream *stream.Stream
	err    error
}

type mediaAttachReq struct {
	ses *session
	res chan mediaAttachRes
}

type mediaDetachReq struct {
	ses *session
	res chan struct{}
}

type mediaDescribeRes struct {
	strm *stream.Stream
	err  error
}

type mediaDescribeReq struct {
	res chan mediaDescribeRes
}

type mediaSetPausedReq struct {
	paused bool
	res    chan error
}

type mediaAPIGetReq struct {
	res chan *defs.APIMount
}

// media wraps one running pipeline instance together with the set of sessions
// attached to it. All of its state is owned by a single goroutine; the
// engine's asynchronous notifications and the callers' requests are marshaled
// onto that goroutine through channels, so attach/detach calls are applied in
// arrival order and state transitions never race.
//
// Lifecycle: created on the first request for its mount, live once the
// pipeline reports ready, draining while the grace timer runs after the last
// session detaches, destroyed when the timer fires, when the pipeline fails
// or when the server shuts down.
type media struct {
	parentCtx context.Context
	mountConf *conf.Mount
	engine    pipeline.Engine
	parent    mediaParent

	ctx            context.Context
	ctxCancel      func()
	handle         pipeline.Handle
	stream         *stream.Stream
	sessions       map[*session]struct{}
	attachOnHold   []mediaAttachReq
	describeOnHold []mediaDescribeReq
	graceTimer     *time.Timer
	state          mediaState
	readyTime      time.Time
	lingerUntil    time.Time
	teardownAt     time.Time

	chAttach    chan mediaAttachReq
	chDetach    chan mediaDetachReq
	chDescribe  chan mediaDescribeReq
	chSetPaused chan mediaSetPausedReq
	chAPIGet    chan mediaAPIGetReq

	done chan struct{}
}

// initialize allocates the pipeline and starts the media goroutine. On error,
// nothing is left running.
func (me *media) initialize() error {
	handle, err := me.engine.NewPipeline(me.mountConf.Launch)
	if err != nil {
		return err
	}

	err = handle.Prepare()
	if err != nil {
		handle.Stop()
		return err
	}

	ctx, ctxCancel := context.WithCancel(me.parentCtx)

	me.ctx = ctx
	me.ctxCancel = ctxCancel
	me.handle = handle
	me.sessions = make(map[*session]struct{})
	me.graceTimer = emptyTimer()
	me.state = mediaStateStarting

	me.chAttach = make(chan mediaAttachReq)
	me.chDetach = make(chan mediaDetachReq)
	me.chDescribe = make(chan mediaDescribeReq)
	me.chSetPaused = make(chan mediaSetPausedReq)
	me.chAPIGet = make(chan mediaAPIGetReq)
	me.done = make(chan struct{})

	me.Log(logger.Debug, "created")

	go me.run()

	return nil
}

// Log implements logger.Writer.
func (me *media) Log(level logger.Level, format string, args ...interface{}) {
	me.parent.Log(level, "[mount "+me.mountConf.Name+"] "+format, args...)
}

func (me *media) name() string {
	return me.mountConf.Name
}

// wait blocks until the media is fully destroyed and its mount slot has been
// released.
func (me *media) wait() {
	<-me.done
}

func (me *media) run() {
	err := me.runInner()

	me.ctxCancel()
	me.graceTimer.Stop()

	if me.stream != nil {
		me.stream.Close()
		me.stream = nil
	}

	// release the pipeline before clearing the mount slot, so that a new
	// media for the same path can only be created once this one is fully
	// stopped.
	me.handle.Stop()

	for _, req := range me.attachOnHold {
		req.res <- mediaAttachRes{err: attachFailure(err)}
	}
	me.attachOnHold = nil

	for _, req := range me.describeOnHold {
		req.res <- mediaDescribeRes{err: attachFailure(err)}
	}
	me.describeOnHold = nil

	kickReason := defs.ErrPipelineGone
	if errors.Is(err, errMediaTerminated) {
		kickReason = defs.ErrServerShutdown
	}
	for ses := range me.sessions {
		ses.kick(kickReason)
	}

	me.parent.closeMedia(me)

	me.Log(logger.Debug, "destroyed: %v", err)

	close(me.done)
}

// attachFailure converts the loop exit error into the error reported to
// callers that were still waiting for readiness.
func attachFailure(err error) error {
	var sf defs.StartFailedError
	if errors.As(err, &sf) {
		return err
	}
	return errMediaTerminated
}

func (me *media) runInner() error {
	for {
		select {
		case req := <-me.chAttach:
			me.doAttach(req)

		case req := <-me.chDetach:
			me.doDetach(req)

			if me.scheduleTeardown() {
				return errMediaNotInUse
			}

		case req := <-me.chDescribe:
			me.doDescribe(req)

			// a describe during the grace period pushes the teardown out.
			if me.state == mediaStateDraining {
				me.scheduleTeardown()
			}

		case req := <-me.chSetPaused:
			me.doSetPaused(req)

		case <-me.graceTimer.C:
			if me.scheduleTeardown() {
				return errMediaNotInUse
			}

		case sc := <-me.handle.StateChanges():
			err := me.doPipelineState(sc)
			if err != nil {
				return err
			}

			if me.scheduleTeardown() {
				return errMediaNotInUse
			}

		case sa := <-me.handle.Samples():
			if me.stream != nil {
				me.stream.WriteSample(sa)
			}

		case req := <-me.chAPIGet:
			me.doAPIGet(req)

		case <-me.ctx.Done():
			return errMediaTerminated
		}
	}
}

// refcount is the number of sessions bound to the media, plus the attach
// requests that are waiting for readiness and will bind on success.
func (me *media) refcount() int {
	return len(me.sessions) + len(me.attachOnHold)
}

// grace returns the teardown delay after the last detach. Exclusive medias
// always tear down immediately, their session cannot come back.
func (me *media) grace() time.Duration {
	if !me.mountConf.Shared {
		return 0
	}
	return time.Duration(me.mountConf.GraceAfter)
}

// scheduleTeardown is called after every event that can leave the media
// without users. It reports whether the media must be destroyed now; when a
// grace period or a describe linger still applies, it (re)starts the grace
// timer instead.
func (me *media) scheduleTeardown() bool {
	if me.state == mediaStateStarting ||
		me.refcount() != 0 ||
		len(me.describeOnHold) != 0 {
		return false
	}

	// the deadline is fixed when draining starts; later describes can only
	// push it out, timer refires never do.
	if me.state != mediaStateDraining {
		me.teardownAt = time.Now().Add(me.grace())
	}
	if me.lingerUntil.After(me.teardownAt) {
		me.teardownAt = me.lingerUntil
	}

	delay := time.Until(me.teardownAt)
	if delay <= 0 {
		return true
	}

	me.state = mediaStateDraining
	me.graceTimer.Stop()
	me.graceTimer = time.NewTimer(delay)
	me.Log(logger.Debug, "no sessions left, tearing down in %v", delay)
	return false
}

func (me *media) doAttach(req mediaAttachReq) {
	if max := me.mountConf.MaxClients; max > 0 && me.refcount() >= max {
		req.res <- mediaAttachRes{err: defs.CapacityExceededError{
			Path:       me.mountConf.Name,
			MaxClients: max,
		}}
		return
	}

	switch me.state {
	case mediaStateStarting:
		me.attachOnHold = append(me.attachOnHold, req)

	case mediaStateDraining:
		// a session came back before the grace timer fired; cancel the
		// teardown.
		me.graceTimer.Stop()
		me.graceTimer = emptyTimer()
		me.state = mediaStateLive
		me.Log(logger.Debug, "teardown canceled, a session reattached")
		me.attachLive(req)

	case mediaStateLive:
		me.attachLive(req)
	}
}

func (me *media) attachLive(req mediaAttachReq) {
	if _, ok := me.sessions[req.ses]; ok {
		panic("session is already attached")
	}
	me.sessions[req.ses] = struct{}{}
	req.res <- mediaAttachRes{stream: me.stream}
}

func (me *media) doDetach(req mediaDetachReq) {
	if _, ok := me.sessions[req.ses]; !ok {
		panic("detach of a session that is not attached")
	}
	delete(me.sessions, req.ses)
	req.res <- struct{}{}
}

func (me *media) doDescribe(req mediaDescribeReq) {
	switch me.state {
	case mediaStateStarting:
		me.describeOnHold = append(me.describeOnHold, req)

	default:
		me.lingerUntil = time.Now().Add(describeLinger)
		req.res <- mediaDescribeRes{strm: me.stream}
	}
}

func (me *media) doSetPaused(req mediaSetPausedReq) {
	// a shared pipeline keeps running for the other sessions; pausing is
	// handled by detaching the session from the stream.
	if me.mountConf.Shared || me.state != mediaStateLive {
		req.res <- nil
		return
	}

	if req.paused {
		req.res <- me.handle.Pause()
	} else {
		req.res <- me.handle.Start()
	}
}

func (me *media) doPipelineState(sc pipeline.StateChange) error {
	switch sc.State {
	case pipeline.StateReady:
		if me.state != mediaStateStarting {
			return nil
		}

		me.stream = &stream.Stream{Desc: me.handle.Description()}
		me.stream.Initialize()

		err := me.handle.Start()
		if err != nil {
			return defs.StartFailedError{Wrapped: err}
		}

		me.state = mediaStateLive
		me.readyTime = time.Now()
		me.Log(logger.Info, "ready, %d session(s) waiting", len(me.attachOnHold))

		me.consumeOnHoldRequests()
		return nil

	case pipeline.StateError:
		if me.state == mediaStateStarting {
			err := defs.StartFailedError{Wrapped: sc.Err}
			for _, req := range me.attachOnHold {
				req.res <- mediaAttachRes{err: err}
			}
			me.attachOnHold = nil
			for _, req := range me.describeOnHold {
				req.res <- mediaDescribeRes{err: err}
			}
			me.describeOnHold = nil
			return err
		}
		return fmt.Errorf("pipeline error: %w", sc.Err)

	default:
		me.Log(logger.Debug, "pipeline is %v", sc.State)
		return nil
	}
}

func (me *media) consumeOnHoldRequests() {
	for _, req := range me.attachOnHold {
		me.sessions[req.ses] = struct{}{}
		req.res <- mediaAttachRes{stream: me.stream}
	}
	me.attachOnHold = nil

	if len(me.describeOnHold) > 0 {
		me.lingerUntil = time.Now().Add(describeLinger)
		for _, req := range me.describeOnHold {
			req.res <- mediaDescribeRes{strm: me.stream}
		}
		me.describeOnHold = nil
	}
}

func (me *media) doAPIGet(req mediaAPIGetReq) {
	req.res <- &defs.APIMount{
		Path:         me.mountConf.Name,
		Launch:       me.mountConf.Launch,
		Shared:       me.mountConf.Shared,
		MaxClients:   me.mountConf.MaxClients,
		Ready:        me.state != mediaStateStarting,
		SessionCount: len(me.sessions),
		ReadyTime: func() *time.Time {
			if me.state == mediaStateStarting {
				return nil
			}
			v := me.readyTime
			return &v
		}(),
	}
}

// attach binds a session to the media. It blocks until the pipeline is live
// (or has failed), unless ctx is canceled first; in that case, if the attach
// still completes afterwards, the matching detach is performed automatically.
func (me *media) attach(ctx context.Context, ses *session) (*stream.Stream, error) {
	req := mediaAttachReq{
		ses: ses,
		res: make(chan mediaAttachRes, 1),
	}

	select {
	case me.chAttach <- req:
	case <-me.ctx.Done():
		return nil, errMediaTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.res:
		return res.stream, res.err

	case <-ctx.Done():
		go func() {
			res := <-req.res
			if res.err == nil {
				me.detach(ses)
			}
		}()
		return nil, ctx.Err()
	}
}

// detach unbinds a session. It must be called exactly once per successful
// attach.
func (me *media) detach(ses *session) {
	req := mediaDetachReq{
		ses: ses,
		res: make(chan struct{}, 1),
	}

	select {
	case me.chDetach <- req:
		<-req.res
	case <-me.ctx.Done():
		// the media loop is tearing down; it forgets all sessions itself.
	}
}

// describe returns the media stream, waiting for readiness if needed.
func (me *media) describe(ctx context.Context) (*stream.Stream, error) {
	req := mediaDescribeReq{
		res: make(chan mediaDescribeRes, 1),
	}

	select {
	case me.chDescribe <- req:
	case <-me.ctx.Done():
		return nil, errMediaTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.res:
		return res.strm, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// setPaused pauses or resumes the pipeline of an exclusive media. It is a
// no-op on shared medias.
func (me *media) setPaused(paused bool) error {
	req := mediaSetPausedReq{
		paused: paused,
		res:    make(chan error, 1),
	}

	select {
	case me.chSetPaused <- req:
		return <-req.res
	case <-me.ctx.Done():
		return errMediaTerminated
	}
}

func (me *media) apiGet() (*defs.APIMount, error) {
	req := mediaAPIGetReq{
		res: make(chan *defs.APIMount, 1),
	}

	select {
	case me.chAPIGet <- req:
		return <-req.res, nil
	case <-me.ctx.Done():
		return nil, errMediaTerminated
	}
}
