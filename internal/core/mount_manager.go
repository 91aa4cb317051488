package core

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/pipeline"
	"github.com/pipemtx/pipemtx/internal/stream"
)

type mountResolveRes struct {
	media *media
	err   error
}

type mountResolveReq struct {
	path string
	res  chan mountResolveRes
}

type mountRegisterReq struct {
	mount *conf.Mount
	res   chan error
}

type mountAPIListReq struct {
	res chan *defs.APIMountList
}

type mountAPIGetReq struct {
	path string
	res  chan mountAPIGetRes
}

type mountAPIGetRes struct {
	data *defs.APIMount
	err  error
}

// mountManager maps mount paths to their configuration and, for shared
// mounts, to the currently live media. Registration, resolution and slot
// release are serialized by a single goroutine, so that under concurrent
// requests for the same shared path exactly one media is created and every
// caller observes the same instance.
type mountManager struct {
	engine pipeline.Engine
	parent logger.Writer

	ctx       context.Context
	ctxCancel func()
	wg        sync.WaitGroup
	mounts    map[string]*conf.Mount
	medias    map[string]*media

	chResolve    chan mountResolveReq
	chRegister   chan mountRegisterReq
	chCloseMedia chan *media
	chAPIList    chan mountAPIListReq
	chAPIGet     chan mountAPIGetReq

	done chan struct{}
}

func (mm *mountManager) initialize(mounts map[string]*conf.Mount) {
	ctx, ctxCancel := context.WithCancel(context.Background())

	mm.ctx = ctx
	mm.ctxCancel = ctxCancel
	mm.mounts = make(map[string]*conf.Mount, len(mounts))
	for path, m := range mounts {
		mm.mounts[path] = m
	}
	mm.medias = make(map[string]*media)

	mm.chResolve = make(chan mountResolveReq)
	mm.chRegister = make(chan mountRegisterReq)
	mm.chCloseMedia = make(chan *media)
	mm.chAPIList = make(chan mountAPIListReq)
	mm.chAPIGet = make(chan mountAPIGetReq)
	mm.done = make(chan struct{})

	mm.Log(logger.Debug, "mount manager created with %d mount(s)", len(mm.mounts))

	go mm.run()
}

// close stops the manager and destroys every live media, waiting for their
// pipelines to be released.
func (mm *mountManager) close() {
	mm.ctxCancel()
	<-mm.done
}

// Log implements logger.Writer.
func (mm *mountManager) Log(level logger.Level, format string, args ...interface{}) {
	mm.parent.Log(level, format, args...)
}

func (mm *mountManager) run() {
	defer close(mm.done)

outer:
	for {
		select {
		case req := <-mm.chResolve:
			me, err := mm.doResolve(req.path)
			req.res <- mountResolveRes{media: me, err: err}

		case req := <-mm.chRegister:
			req.res <- mm.doRegister(req.mount)

		case me := <-mm.chCloseMedia:
			mm.doCloseMedia(me)

		case req := <-mm.chAPIList:
			req.res <- mm.doAPIList()

		case req := <-mm.chAPIGet:
			req.res <- mm.doAPIGet(req.path)

		case <-mm.ctx.Done():
			break outer
		}
	}

	// the context cancellation is propagated to every media; keep releasing
	// mount slots until all of them are gone.
	drained := make(chan struct{})
	go func() {
		mm.wg.Wait()
		close(drained)
	}()

	for {
		select {
		case me := <-mm.chCloseMedia:
			mm.doCloseMedia(me)
		case <-drained:
			return
		}
	}
}

func (mm *mountManager) doRegister(m *conf.Mount) error {
	if _, ok := mm.mounts[m.Name]; ok {
		return defs.DuplicateMountError{Path: m.Name}
	}
	mm.mounts[m.Name] = m
	return nil
}

func (mm *mountManager) doResolve(path string) (*media, error) {
	m, ok := mm.mounts[path]
	if !ok {
		return nil, defs.UnknownMountError{Path: path}
	}

	if m.Shared {
		if me, ok := mm.medias[path]; ok {
			return me, nil
		}
	}

	me := &media{
		parentCtx: mm.ctx,
		mountConf: m,
		engine:    mm.engine,
		parent:    mm,
	}

	mm.wg.Add(1)
	err := me.initialize()
	if err != nil {
		mm.wg.Done()
		return nil, defs.StartFailedError{Wrapped: err}
	}

	if m.Shared {
		mm.medias[path] = me
	}

	return me, nil
}

// closeMedia implements mediaParent. Called by the media goroutine once the
// pipeline has been fully released.
func (mm *mountManager) closeMedia(me *media) {
	defer mm.wg.Done()

	select {
	case mm.chCloseMedia <- me:
	case <-mm.done:
	}
}

func (mm *mountManager) doCloseMedia(me *media) {
	if mm.medias[me.name()] == me {
		delete(mm.medias, me.name())
	}
}

func (mm *mountManager) doAPIList() *defs.APIMountList {
	paths := make([]string, 0, len(mm.mounts))
	for path := range mm.mounts {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	list := &defs.APIMountList{
		Items: []*defs.APIMount{},
	}

	for _, path := range paths {
		list.Items = append(list.Items, mm.apiItem(path))
	}
	list.ItemCount = len(list.Items)

	return list
}

func (mm *mountManager) doAPIGet(path string) mountAPIGetRes {
	if _, ok := mm.mounts[path]; !ok {
		return mountAPIGetRes{err: defs.UnknownMountError{Path: path}}
	}
	return mountAPIGetRes{data: mm.apiItem(path)}
}

func (mm *mountManager) apiItem(path string) *defs.APIMount {
	if me, ok := mm.medias[path]; ok {
		if data, err := me.apiGet(); err == nil {
			return data
		}
	}

	m := mm.mounts[path]
	return &defs.APIMount{
		Path:       m.Name,
		Launch:     m.Launch,
		Shared:     m.Shared,
		MaxClients: m.MaxClients,
	}
}

// register adds a mount at runtime. It fails if the path is already taken.
func (mm *mountManager) register(m *conf.Mount) error {
	req := mountRegisterReq{
		mount: m,
		res:   make(chan error, 1),
	}

	select {
	case mm.chRegister <- req:
		return <-req.res
	case <-mm.ctx.Done():
		return errTerminated
	}
}

// resolve returns the media serving a path, creating it when needed. For a
// shared mount, concurrent callers get the same media; for an exclusive
// mount, each caller gets its own.
func (mm *mountManager) resolve(path string) (*media, error) {
	req := mountResolveReq{
		path: path,
		res:  make(chan mountResolveRes, 1),
	}

	select {
	case mm.chResolve <- req:
		res := <-req.res
		return res.media, res.err
	case <-mm.ctx.Done():
		return nil, errTerminated
	}
}

// APIMountsList is called by the API server.
func (mm *mountManager) APIMountsList() (*defs.APIMountList, error) {
	req := mountAPIListReq{res: make(chan *defs.APIMountList, 1)}

	select {
	case mm.chAPIList <- req:
		return <-req.res, nil
	case <-mm.ctx.Done():
		return nil, errTerminated
	}
}

// APIMountsGet is called by the API server.
func (mm *mountManager) APIMountsGet(path string) (*defs.APIMount, error) {
	req := mountAPIGetReq{
		path: path,
		res:  make(chan mountAPIGetRes, 1),
	}

	select {
	case mm.chAPIGet <- req:
		res := <-req.res
		return res.data, res.err
	case <-mm.ctx.Done():
		return nil, errTerminated
	}
}

// Describe resolves a path and returns the stream of its pipeline, waiting
// for readiness. A media caught while being destroyed is retried against the
// fresh slot.
func (mm *mountManager) Describe(ctx context.Context, path string) (*stream.Stream, error) {
	for {
		me, err := mm.resolve(path)
		if err != nil {
			return nil, err
		}

		strm, err := me.describe(ctx)
		if !errors.Is(err, errMediaTerminated) {
			return strm, err
		}

		// wait for the dying media to release the slot, then retry.
		me.wait()
	}
}
