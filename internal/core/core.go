// Package core contains the main struct of the software.
package core

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"github.com/pipemtx/pipemtx/internal/api"
	"github.com/pipemtx/pipemtx/internal/conf"
	"github.com/pipemtx/pipemtx/internal/logger"
	"github.com/pipemtx/pipemtx/internal/pipeline"
	"github.com/pipemtx/pipemtx/internal/pipeline/synth"
	"github.com/pipemtx/pipemtx/internal/servers/rtsp"
)

//go:embed VERSION
var version []byte

var (
	errTerminated      = errors.New("terminated")
	errSessionNotFound = errors.New("session not found")
)

var defaultConfPaths = []string{
	"pipemtx.yml",
	"/usr/local/etc/pipemtx.yml",
	"/etc/pipemtx/pipemtx.yml",
}

var cli struct {
	Version  bool   `help:"print version"`
	Launch   string `help:"serve a single pipeline, as a shared mount at /test"`
	Confpath string `arg:"" default:""`
}

func findConfPath() string {
	for _, pa := range defaultConfPaths {
		if _, err := os.Stat(pa); err == nil {
			return pa
		}
	}
	return ""
}

// Core is an instance of the server.
type Core struct {
	ctx       context.Context
	ctxCancel func()
	conf      *conf.Conf
	logger    *logger.Logger
	engine    pipeline.Engine
	mountMan  *mountManager
	sessMan   *sessionManager
	rtspSrv   *rtsp.Server
	api       *api.API

	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("pipemtx "+string(version)),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			if value.Name == "confpath" {
				return "path to a config file. The default is pipemtx.yml."
			}
			return kong.DefaultHelpValueFormatter(value)
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(string(version))
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		done:      make(chan struct{}),
	}

	confPath := cli.Confpath
	if confPath == "" {
		confPath = findConfPath()
	}

	p.conf, err = conf.Load(confPath)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	if cli.Launch != "" {
		if p.conf.Mounts == nil {
			p.conf.Mounts = make(map[string]*conf.Mount)
		}
		m := &conf.Mount{
			Launch: cli.Launch,
			Shared: true,
		}
		err = m.Validate("/test")
		if err != nil {
			fmt.Printf("ERR: %s\n", err)
			return nil, false
		}
		p.conf.Mounts["/test"] = m
	}

	err = p.createResources()
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources()
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) run() {
	defer close(p.done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		p.Log(logger.Info, "shutting down gracefully")

	case <-p.ctx.Done():
	}

	p.ctxCancel()
	p.closeResources()
}

func (p *Core) createResources() error {
	p.logger = logger.New(p.conf.LogLevelParsed())

	p.Log(logger.Info, "pipemtx %s", version)

	p.engine = &synth.Engine{}

	p.mountMan = &mountManager{
		engine: p.engine,
		parent: p,
	}
	p.mountMan.initialize(p.conf.Mounts)

	p.sessMan = &sessionManager{
		keepAliveTimeout: p.conf.KeepAliveTimeout,
		writeQueueSize:   p.conf.WriteQueueSize,
		mountMan:         p.mountMan,
		parent:           p,
	}
	p.sessMan.initialize()

	p.rtspSrv = &rtsp.Server{
		Address:        p.conf.RTSPAddress,
		ReadTimeout:    p.conf.ReadTimeout,
		WriteTimeout:   p.conf.WriteTimeout,
		SessionManager: p.sessMan,
		Parent:         p,
	}
	err := p.rtspSrv.Initialize()
	if err != nil {
		return err
	}

	if cli.Launch != "" {
		p.Log(logger.Info, "stream ready at rtsp://localhost%s/test", p.conf.RTSPAddress)
	}

	if p.conf.API {
		p.api = &api.API{
			Address:        p.conf.APIAddress,
			MountManager:   p.mountMan,
			SessionManager: p.sessMan,
			Parent:         p,
		}
		err = p.api.Initialize()
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Core) closeResources() {
	if p.api != nil {
		p.api.Close()
	}

	if p.rtspSrv != nil {
		p.rtspSrv.Close()
	}

	if p.sessMan != nil {
		p.sessMan.close()
	}

	if p.mountMan != nil {
		p.mountMan.close()
	}
}
