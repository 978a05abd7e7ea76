package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/logging"
	"github.com/peterje/mctl/internal/metrics"
)

// Serve accepts peer connections on ln until ctx is cancelled. Each peer
// connection becomes a yamux session, and the session itself is the
// net.Listener the HTTP server reads streams from.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ln.Close()
	}()

	log.Info("proxy listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go servePeer(srv, conn, log)
	}
}

func servePeer(srv *http.Server, conn net.Conn, log *zap.Logger) {
	session, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		log.Warn("yamux server", zap.Error(err))
		conn.Close()
		return
	}
	metrics.PeerConnected()
	defer metrics.PeerDisconnected()

	peer := conn.RemoteAddr().String()
	log.Debug("peer connected", zap.String("peer", peer))
	if err := srv.Serve(session); err != nil && !errors.Is(err, http.ErrServerClosed) && !session.IsClosed() {
		log.Warn("serve peer", zap.String("peer", peer), zap.Error(err))
	}
	session.Close()
	log.Debug("peer disconnected", zap.String("peer", peer))
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = zap.NewStdLog(logging.Named("yamux"))
	return cfg
}
