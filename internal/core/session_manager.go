package core

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/stream"
)

type sessionManagerParent interface {
	logger.Writer
}

// sessionManager owns the set of live sessions. Like the mount manager it is
// a single goroutine; sessions run their own goroutines and report back via
// closeSession.
type sessionManager struct {
	keepAliveTimeout conf.Duration
	writeQueueSize   int
	mountMan         *mountManager
	parent           sessionManagerParent

	ctx       context.Context
	ctxCancel func()
	sessions  map[uuid.UUID]*session

	chAdd     chan *session
	chClose   chan *session
	chAPIList chan sessionAPIListReq
	chAPIKick chan sessionAPIKickReq

	done chan struct{}
}

type sessionAPIListReq struct {
	res chan *defs.APISessionList
}

type sessionAPIKickReq struct {
	id  uuid.UUID
	res chan error
}

func (sm *sessionManager) initialize() {
	ctx, ctxCancel := context.WithCancel(context.Background())

	sm.ctx = ctx
	sm.ctxCancel = ctxCancel
	sm.sessions = make(map[uuid.UUID]*session)
	sm.chAdd = make(chan *session)
	sm.chClose = make(chan *session)
	sm.chAPIList = make(chan sessionAPIListReq)
	sm.chAPIKick = make(chan sessionAPIKickReq)
	sm.done = make(chan struct{})

	sm.Log(logger.Debug, "session manager created")

	go sm.run()
}

func (sm *sessionManager) close() {
	sm.ctxCancel()
	<-sm.done
}

// Log implements logger.Writer.
func (sm *sessionManager) Log(level logger.Level, format string, args ...interface{}) {
	sm.parent.Log(level, format, args...)
}

func (sm *sessionManager) run() {
	defer close(sm.done)

	checkInterval := time.Duration(sm.keepAliveTimeout) / 2
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

outer:
	for {
		select {
		case ses := <-sm.chAdd:
			sm.sessions[ses.id] = ses

		case ses := <-sm.chClose:
			delete(sm.sessions, ses.id)

		case <-ticker.C:
			sm.checkTimeouts()

		case req := <-sm.chAPIList:
			req.res <- sm.doAPIList()

		case req := <-sm.chAPIKick:
			req.res <- sm.doAPIKick(req.id)

		case <-sm.ctx.Done():
			break outer
		}
	}

	for _, ses := range sm.sessions {
		ses.kick(defs.ErrServerShutdown)
	}

	// sessions deregister themselves on the way out; wait for all of them.
	for len(sm.sessions) > 0 {
		ses := <-sm.chClose
		delete(sm.sessions, ses.id)
	}
}

func (sm *sessionManager) checkTimeouts() {
	if sm.keepAliveTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(-time.Duration(sm.keepAliveTimeout))

	for _, ses := range sm.sessions {
		if ses.lastActivityTime().Before(deadline) {
			ses.Log(logger.Info, "closing, no activity for %v",
				time.Duration(sm.keepAliveTimeout))
			ses.kick(defs.ErrSessionTimedOut)
		}
	}
}

func (sm *sessionManager) doAPIList() *defs.APISessionList {
	items := make([]*defs.APISession, 0, len(sm.sessions))
	for _, ses := range sm.sessions {
		items = append(items, ses.apiItem())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Created.Before(items[j].Created)
	})

	return &defs.APISessionList{
		ItemCount: len(items),
		Items:     items,
	}
}

func (sm *sessionManager) doAPIKick(id uuid.UUID) error {
	ses, ok := sm.sessions[id]
	if !ok {
		return errSessionNotFound
	}
	ses.kick(defs.ErrSessionTeardown)
	return nil
}

// closeSession is called by the session goroutine when it terminates.
func (sm *sessionManager) closeSession(ses *session) {
	select {
	case sm.chClose <- ses:
	case <-sm.done:
	}
}

// CreateSession resolves a mount, attaches to its media and starts a session
// that delivers samples to the given transport.
func (sm *sessionManager) CreateSession(mountPath string, transport defs.Transport) (defs.Session, error) {
	ses := &session{
		mountPath:      mountPath,
		transport:      transport,
		writeQueueSize: sm.writeQueueSize,
		mountMan:       sm.mountMan,
		parent:         sm,
	}
	err := ses.initialize()
	if err != nil {
		return nil, err
	}

	// register first, then start: the session goroutine deregisters on exit,
	// and a session that dies right away must not be able to deregister
	// before it was added, or the add would resurrect it.
	select {
	case sm.chAdd <- ses:
		ses.start()
	case <-sm.ctx.Done():
		ses.start()
		ses.kick(defs.ErrServerShutdown)
		<-ses.done
		return nil, errTerminated
	}

	return ses, nil
}

// Describe returns the stream of the media behind a mount, starting it if
// needed.
func (sm *sessionManager) Describe(ctx context.Context, mountPath string) (*stream.Stream, error) {
	return sm.mountMan.Describe(ctx, mountPath)
}

// APISessionsList is called by the API server.
func (sm *sessionManager) APISessionsList() (*defs.APISessionList, error) {
	req := sessionAPIListReq{res: make(chan *defs.APISessionList, 1)}

	select {
	case sm.chAPIList <- req:
		return <-req.res, nil
	case <-sm.ctx.Done():
		return nil, errTerminated
	}
}

// APISessionsKick is called by the API server.
func (sm *sessionManager) APISessionsKick(id uuid.UUID) error {
	req := sessionAPIKickReq{id: id, res: make(chan error, 1)}

	select {
	case sm.chAPIKick <- req:
		return <-req.res
	case <-sm.ctx.Done():
		return errTerminated
	}
}
