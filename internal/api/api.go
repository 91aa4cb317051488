// Package api contains the control API server.
package api

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/logger"
)

type apiMountManager interface {
	APIMountsList() (*defs.APIMountList, error)
	APIMountsGet(path string) (*defs.APIMount, error)
}

type apiSessionManager interface {
	APISessionsList() (*defs.APISessionList, error)
	APISessionsKick(id uuid.UUID) error
}

func abortWithError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.As(err, &defs.UnknownMountError{}) {
		status = http.StatusNotFound
	}
	ctx.JSON(status, gin.H{"error": err.Error()})
}

// API is the control API server.
type API struct {
	Address        string
	MountManager   apiMountManager
	SessionManager apiSessionManager
	Parent         logger.Writer

	httpServer *http.Server
	listener   net.Listener
}

// Initialize initializes the API.
func (a *API) Initialize() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck

	group := router.Group("/v1")
	group.GET("/mounts/list", a.onMountsList)
	group.GET("/mounts/get/*name", a.onMountsGet)
	group.GET("/sessions/list", a.onSessionsList)
	group.POST("/sessions/kick/:id", a.onSessionsKick)

	var err error
	a.listener, err = net.Listen("tcp", a.Address)
	if err != nil {
		return err
	}

	a.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go a.httpServer.Serve(a.listener) //nolint:errcheck

	a.Log(logger.Info, "listener opened on %s", a.Address)

	return nil
}

// Close closes the API.
func (a *API) Close() {
	a.Log(logger.Info, "listener is closing")
	a.httpServer.Close() //nolint:errcheck
}

// Log implements logger.Writer.
func (a *API) Log(level logger.Level, format string, args ...interface{}) {
	a.Parent.Log(level, "[API] "+format, args...)
}

func (a *API) onMountsList(ctx *gin.Context) {
	data, err := a.MountManager.APIMountsList()
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, data)
}

func (a *API) onMountsGet(ctx *gin.Context) {
	// the wildcard parameter keeps the leading slash, which is part of the
	// mount name.
	data, err := a.MountManager.APIMountsGet(ctx.Param("name"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, data)
}

func (a *API) onSessionsList(ctx *gin.Context) {
	data, err := a.SessionManager.APISessionsList()
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, data)
}

func (a *API) onSessionsKick(ctx *gin.Context) {
	id, err := uuid.Parse(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	err = a.SessionManager.APISessionsKick(id)
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{})
}
