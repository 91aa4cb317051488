// Package rtsp contains the RTSP server.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"

	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/stream"
)

// serverSessionManager is implemented by core.sessionManager.
type serverSessionManager interface {
	Describe(ctx context.Context, mountPath string) (*stream.Stream, error)
	CreateSession(mountPath string, transport defs.Transport) (defs.Session, error)
}

func errToStatus(err error) base.StatusCode {
	switch {
	case errors.As(err, &defs.UnknownMountError{}):
		return base.StatusNotFound

	case errors.As(err, &defs.CapacityExceededError{}):
		return base.StatusNotEnoughBandwidth

	default:
		return base.StatusInternalServerError
	}
}

// Server is a RTSP server.
type Server struct {
	Address        string
	ReadTimeout    conf.Duration
	WriteTimeout   conf.Duration
	SessionManager serverSessionManager
	Parent         logger.Writer

	srv *gortsplib.Server
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	s.srv = &gortsplib.Server{
		Handler:      s,
		RTSPAddress:  s.Address,
		ReadTimeout:  time.Duration(s.ReadTimeout),
		WriteTimeout: time.Duration(s.WriteTimeout),
	}

	err := s.srv.Start()
	if err != nil {
		return err
	}

	s.Log(logger.Info, "listener opened on %s", s.Address)

	return nil
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")
	s.srv.Close()
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[RTSP] "+format, args...)
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.Log(logger.Debug, "[conn %v] opened", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.Log(logger.Debug, "[conn %v] closed: %v", ctx.Conn.NetConn().RemoteAddr(), ctx.Error)
}

// OnSessionOpen implements gortsplib.ServerHandlerOnSessionOpen.
func (s *Server) OnSessionOpen(ctx *gortsplib.ServerHandlerOnSessionOpenCtx) {
	s.Log(logger.Debug, "[session] opened")
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose.
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	if cs, ok := ctx.Session.UserData().(defs.Session); ok {
		cs.Close(defs.ErrSessionTeardown)
	}
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe.
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	if len(ctx.Path) == 0 || ctx.Path[0] != '/' {
		return &base.Response{StatusCode: base.StatusBadRequest}, nil,
			fmt.Errorf("invalid path")
	}

	reqCtx, reqCtxCancel := context.WithTimeout(context.Background(), time.Duration(s.ReadTimeout))
	defer reqCtxCancel()

	for {
		strm, err := s.SessionManager.Describe(reqCtx, ctx.Path)
		if err != nil {
			return &base.Response{StatusCode: errToStatus(err)}, nil, err
		}

		rstream, err := strm.RTSPStream(s.srv)
		if err == nil {
			return &base.Response{StatusCode: base.StatusOK}, rstream, nil
		}

		// the stream was torn down between the lookup and here; a fresh
		// media takes over the mount slot, query it again.
		select {
		case <-reqCtx.Done():
			return &base.Response{StatusCode: base.StatusInternalServerError}, nil, err
		default:
		}
	}
}

// OnSetup implements gortsplib.ServerHandlerOnSetup.
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	// in case the client is setting up a media while reading another one,
	// the server session is already bound.
	cs, ok := ctx.Session.UserData().(defs.Session)
	if !ok {
		if len(ctx.Path) == 0 || ctx.Path[0] != '/' {
			return &base.Response{StatusCode: base.StatusBadRequest}, nil,
				fmt.Errorf("invalid path")
		}

		var err error
		cs, err = s.SessionManager.CreateSession(ctx.Path, &rtspTransport{rsession: ctx.Session})
		if err != nil {
			return &base.Response{StatusCode: errToStatus(err)}, nil, err
		}
		ctx.Session.SetUserData(cs)
	}

	cs.KeepAlive()

	rstream, err := cs.Stream().RTSPStream(s.srv)
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}, nil, err
	}

	return &base.Response{StatusCode: base.StatusOK}, rstream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	cs, ok := ctx.Session.UserData().(defs.Session)
	if !ok {
		return &base.Response{StatusCode: base.StatusBadRequest}, fmt.Errorf("no setup was performed")
	}

	err := cs.Play()
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}, err
	}

	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnPause implements gortsplib.ServerHandlerOnPause.
func (s *Server) OnPause(ctx *gortsplib.ServerHandlerOnPauseCtx) (*base.Response, error) {
	cs, ok := ctx.Session.UserData().(defs.Session)
	if !ok {
		return &base.Response{StatusCode: base.StatusBadRequest}, fmt.Errorf("no setup was performed")
	}

	err := cs.Pause()
	if err != nil {
		return &base.Response{StatusCode: base.StatusInternalServerError}, err
	}

	return &base.Response{StatusCode: base.StatusOK}, nil
}

// OnGetParameter implements gortsplib.ServerHandlerOnGetParameter. Clients use
// it as a keepalive.
func (s *Server) OnGetParameter(ctx *gortsplib.ServerHandlerOnGetParameterCtx) (*base.Response, error) {
	if cs, ok := ctx.Session.UserData().(defs.Session); ok {
		cs.KeepAlive()
	}

	return &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"Content-Type": base.HeaderValue{"text/parameters"},
		},
		Body: []byte{},
	}, nil
}

// rtspTransport adapts a gortsplib server session to the transport interface.
// Sample delivery happens through the shared gortsplib server stream, so it
// does not implement SampleTransport.
type rtspTransport struct {
	rsession *gortsplib.ServerSession
}

func (t *rtspTransport) Close() {
	t.rsession.Close()
}
