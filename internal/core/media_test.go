package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/test"
)

type testManagers struct {
	engine   *test.Engine
	mountMan *mountManager
	sessMan  *sessionManager
}

func newTestManagers(t *testing.T, mounts map[string]*conf.Mount) *testManagers {
	for name, m := range mounts {
		require.NoError(t, m.Validate(name))
	}

	engine := &test.Engine{}

	mountMan := &mountManager{
		engine: engine,
		parent: test.NilLogger,
	}
	mountMan.initialize(mounts)

	sessMan := &sessionManager{
		keepAliveTimeout: conf.Duration(60 * time.Second),
		writeQueueSize:   8,
		mountMan:         mountMan,
		parent:           test.NilLogger,
	}
	sessMan.initialize()

	t.Cleanup(func() {
		sessMan.close()
		mountMan.close()
	})

	return &testManagers{
		engine:   engine,
		mountMan: mountMan,
		sessMan:  sessMan,
	}
}

func waitClosed(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
	}
}

type sessionRes struct {
	ses defs.Session
	err error
}

func createAsync(m *testManagers, path string, tr defs.Transport) chan sessionRes {
	res := make(chan sessionRes, 1)
	go func() {
		ses, err := m.sessMan.CreateSession(path, tr)
		res <- sessionRes{ses: ses, err: err}
	}()
	return res
}

func TestMediaShared(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true},
	})

	res1 := createAsync(m, "/cam", test.NewNullTransport())
	res2 := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r1 := <-res1
	require.NoError(t, r1.err)
	r2 := <-res2
	require.NoError(t, r2.err)

	// both sessions share the same pipeline instance.
	require.Equal(t, 1, m.engine.PipelineCount())
	require.Equal(t, r1.ses.Stream(), r2.ses.Stream())

	data, err := m.mountMan.APIMountsGet("/cam")
	require.NoError(t, err)
	require.Equal(t, true, data.Ready)
	require.Equal(t, 2, data.SessionCount)

	// closing one session keeps the pipeline alive.
	r1.ses.Close(defs.ErrSessionTeardown)

	require.Eventually(t, func() bool {
		data, err = m.mountMan.APIMountsGet("/cam")
		require.NoError(t, err)
		return data.SessionCount == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-m.engine.HandleAt(0).Stopped:
		t.Fatal("pipeline was stopped while still in use")
	default:
	}

	// closing the last session tears the pipeline down.
	r2.ses.Close(defs.ErrSessionTeardown)
	waitClosed(t, m.engine.HandleAt(0).Stopped)

	// the mount slot is released; a new session gets a fresh pipeline.
	res3 := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 2
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(1).NotifyReady()

	r3 := <-res3
	require.NoError(t, r3.err)
	r3.ses.Close(defs.ErrSessionTeardown)
}

func TestMediaExclusive(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/solo": {Launch: "videotestsrc"},
	})

	res1 := createAsync(m, "/solo", test.NewNullTransport())
	res2 := createAsync(m, "/solo", test.NewNullTransport())

	// each session gets its own pipeline instance.
	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 2
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()
	m.engine.HandleAt(1).NotifyReady()

	r1 := <-res1
	require.NoError(t, r1.err)
	r2 := <-res2
	require.NoError(t, r2.err)

	require.NotSame(t, r1.ses.Stream(), r2.ses.Stream())

	// closing a session kills its pipeline only.
	r1.ses.Close(defs.ErrSessionTeardown)

	stopped1 := make([]chan struct{}, 2)
	stopped1[0] = m.engine.HandleAt(0).Stopped
	stopped1[1] = m.engine.HandleAt(1).Stopped

	select {
	case <-stopped1[0]:
	case <-stopped1[1]:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline stop")
	}

	r2.ses.Close(defs.ErrSessionTeardown)
	waitClosed(t, stopped1[0])
	waitClosed(t, stopped1[1])
}

func TestMediaStartFailureSync(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true},
	})

	m.engine.OnNewPipeline = func(_ string) (*test.Handle, error) {
		h := test.NewHandle()
		h.PrepareErr = fmt.Errorf("no such element")
		return h, nil
	}

	_, err := m.sessMan.CreateSession("/cam", test.NewNullTransport())
	var sfErr defs.StartFailedError
	require.ErrorAs(t, err, &sfErr)
}

func TestMediaStartFailureAsync(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true},
	})

	var results []chan sessionRes
	for i := 0; i < 3; i++ {
		results = append(results, createAsync(m, "/cam", test.NewNullTransport()))
	}

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	// let every attach request reach the media before failing it.
	time.Sleep(100 * time.Millisecond)

	m.engine.HandleAt(0).NotifyError(errors.New("codec negotiation failed"))

	// every waiter observes the same failure.
	for _, res := range results {
		r := <-res
		var sfErr defs.StartFailedError
		require.ErrorAs(t, r.err, &sfErr)
	}

	waitClosed(t, m.engine.HandleAt(0).Stopped)

	// the failure does not wedge the mount; the next request starts over.
	res := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 2
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(1).NotifyReady()

	r := <-res
	require.NoError(t, r.err)
	r.ses.Close(defs.ErrSessionTeardown)
}

func TestMediaGraceExpires(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {
			Launch:     "videotestsrc",
			Shared:     true,
			GraceAfter: conf.Duration(150 * time.Millisecond),
		},
	})

	res := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)

	r.ses.Close(defs.ErrSessionTeardown)

	// the pipeline survives the detach for the grace period.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-m.engine.HandleAt(0).Stopped:
		t.Fatal("pipeline was stopped during the grace period")
	default:
	}

	waitClosed(t, m.engine.HandleAt(0).Stopped)
}

func TestMediaGraceCanceled(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {
			Launch:     "videotestsrc",
			Shared:     true,
			GraceAfter: conf.Duration(10 * time.Second),
		},
	})

	res := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)
	r.ses.Close(defs.ErrSessionTeardown)

	// a session coming back during the grace period reuses the pipeline.
	ses, err := m.sessMan.CreateSession("/cam", test.NewNullTransport())
	require.NoError(t, err)
	require.Equal(t, 1, m.engine.PipelineCount())

	select {
	case <-m.engine.HandleAt(0).Stopped:
		t.Fatal("pipeline was stopped while a session was attached")
	default:
	}

	ses.Close(defs.ErrSessionTeardown)
}

func TestMediaMaxClients(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true, MaxClients: 1},
	})

	res := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)

	_, err := m.sessMan.CreateSession("/cam", test.NewNullTransport())
	var capErr defs.CapacityExceededError
	require.ErrorAs(t, err, &capErr)

	// a freed slot can be taken again.
	r.ses.Close(defs.ErrSessionTeardown)
	waitClosed(t, m.engine.HandleAt(0).Stopped)

	res2 := createAsync(m, "/cam", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 2
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(1).NotifyReady()

	r2 := <-res2
	require.NoError(t, r2.err)
	r2.ses.Close(defs.ErrSessionTeardown)
}

func TestMediaUnknownMount(t *testing.T) {
	m := newTestManagers(t, nil)

	_, err := m.sessMan.CreateSession("/nope", test.NewNullTransport())
	var unkErr defs.UnknownMountError
	require.ErrorAs(t, err, &unkErr)

	_, err = m.mountMan.Describe(context.Background(), "/nope")
	require.ErrorAs(t, err, &unkErr)
}

type describeRes struct {
	desc interface{}
	err  error
}

func describeAsync(m *testManagers, path string) chan describeRes {
	res := make(chan describeRes, 1)
	go func() {
		strm, err := m.mountMan.Describe(context.Background(), path)
		if err != nil {
			res <- describeRes{err: err}
			return
		}
		res <- describeRes{desc: strm.Desc}
	}()
	return res
}

func shortenDescribeLinger(t *testing.T, d time.Duration) {
	saved := describeLinger
	describeLinger = d
	t.Cleanup(func() { describeLinger = saved })
}

func TestMediaDescribe(t *testing.T) {
	shortenDescribeLinger(t, 100*time.Millisecond)

	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true},
	})

	res := describeAsync(m, "/cam")

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, m.engine.HandleAt(0).Desc, r.desc)

	// nothing attached; once the linger runs out the idle pipeline is
	// released.
	waitClosed(t, m.engine.HandleAt(0).Stopped)
}

func TestMediaDescribeLinger(t *testing.T) {
	shortenDescribeLinger(t, 400*time.Millisecond)

	m := newTestManagers(t, map[string]*conf.Mount{
		"/cam": {Launch: "videotestsrc", Shared: true},
	})

	res := describeAsync(m, "/cam")

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)

	// no grace period, but the media must outlive the describe response, or
	// the client can never set up against what it was just served.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-m.engine.HandleAt(0).Stopped:
		t.Fatal("pipeline was stopped right after the describe")
	default:
	}

	// a session arriving within the linger reuses the pipeline.
	ses, err := m.sessMan.CreateSession("/cam", test.NewNullTransport())
	require.NoError(t, err)
	require.Equal(t, 1, m.engine.PipelineCount())

	ses.Close(defs.ErrSessionTeardown)
	waitClosed(t, m.engine.HandleAt(0).Stopped)
}

func TestMountRegister(t *testing.T) {
	m := newTestManagers(t, nil)

	mnt := &conf.Mount{Launch: "videotestsrc", Shared: true}
	require.NoError(t, mnt.Validate("/new"))
	require.NoError(t, m.mountMan.register(mnt))

	dup := &conf.Mount{Launch: "videotestsrc"}
	require.NoError(t, dup.Validate("/new"))
	err := m.mountMan.register(dup)
	var dupErr defs.DuplicateMountError
	require.ErrorAs(t, err, &dupErr)

	res := createAsync(m, "/new", test.NewNullTransport())

	require.Eventually(t, func() bool {
		return m.engine.PipelineCount() == 1
	}, time.Second, 10*time.Millisecond)

	m.engine.HandleAt(0).NotifyReady()

	r := <-res
	require.NoError(t, r.err)
	r.ses.Close(defs.ErrSessionTeardown)
}

func TestMountAPIList(t *testing.T) {
	m := newTestManagers(t, map[string]*conf.Mount{
		"/a": {Launch: "videotestsrc", Shared: true},
		"/b": {Launch: "videotestsrc"},
	})

	list, err := m.mountMan.APIMountsList()
	require.NoError(t, err)
	require.Equal(t, 2, len(list.Items))
	require.Equal(t, "/a", list.Items[0].Path)
	require.Equal(t, "/b", list.Items[1].Path)
	require.Equal(t, false, list.Items[0].Ready)
}
