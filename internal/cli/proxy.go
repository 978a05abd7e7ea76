package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/logging"
	"github.com/peterje/mctl/internal/proxy"
)

type ProxyCmd struct {
	Addr string `help:"Address peers connect to" env:"MCTL_PROXY_ADDR" default:"${proxy_addr}"`
	HTTP string `name:"http" help:"Also serve the API as plain HTTP on this address (for curl and metrics scrapes)"`
	Echo bool   `help:"Copy broadcast device output to stdout"`
}

func (c *ProxyCmd) Run(globals *CLI) error {
	ctx, cancel := globals.context()
	defer cancel()
	log := logging.Named("proxy")

	cn, err := globals.connect(ctx, false)
	if err != nil {
		return err
	}
	defer cn.close()
	s := cn.session

	if c.Echo {
		s.OnTerminalData(func(p []byte) { stdout.Write(p) })
	}
	lost := make(chan struct{})
	s.OnClose(func() { close(lost) })

	srv := proxy.NewServer(s, cn.target, log)
	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()

	database, err := globals.openDB()
	if err != nil {
		ln.Close()
		return err
	}
	defer database.Close()
	if err := proxy.Register(database, srv, cn.target, addr, os.Getpid()); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := proxy.Unregister(database, srv, cn.target); err != nil {
			log.Warn("unregister", zap.Error(err))
		}
	}()

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-lost:
			log.Warn("device connection lost", zap.String("device", cn.target))
			stop()
		case <-serveCtx.Done():
		}
	}()

	if c.HTTP != "" {
		plain := &http.Server{Addr: c.HTTP, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := plain.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("http listener", zap.Error(err))
			}
		}()
		defer plain.Close()
	}

	globals.infof("proxy for %s on %s (session %s)\n", cn.target, addr, srv.ID())
	if err := proxy.Serve(serveCtx, ln, srv.Handler(), log); err != nil {
		return err
	}
	select {
	case <-lost:
		return errors.New("device connection lost")
	default:
		return nil
	}
}
