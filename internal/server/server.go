// Package server implements the agent's local request server: a
// UNIX-domain-socket HTTP server serving a handful of JSON routes over the
// agent's own cache/syncer state. Grounded on the reference agent's
// server/serve.rs for socket acquisition and middleware layering, adapted
// from axum/tower to net/http.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/miru-agent/internal/activity"
	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/syncer"
	"github.com/cuemby/miru-agent/internal/types"
)

// Config bundles everything the server's handlers need.
type Config struct {
	SocketPath    string
	Version       string
	Commit        string
	Client        *httpclient.Client
	DigestCache   *cache.Cache[string, types.DigestPair]
	SchemaCache   *cache.Cache[string, types.ConfigSchema]
	MetadataCache *cache.Cache[string, types.ConfigInstance]
	DataCache     *cache.Cache[string, json.RawMessage]
	Syncer        *syncer.Syncer
	Tracker       *activity.Tracker
}

// Server owns the listener and the underlying http.Server.
type Server struct {
	cfg    Config
	http   *http.Server
	listener net.Listener
}

// New builds the router and wraps it with the activity-recorder and
// tracing middleware: every request passes through both layers.
func New(cfg Config) *Server {
	if cfg.Tracker == nil {
		cfg.Tracker = activity.NewTracker()
	}
	mux := http.NewServeMux()
	h := &handlers{cfg: cfg}
	mux.HandleFunc("GET /v1/test", h.test)
	mux.HandleFunc("GET /v1/version", h.version)
	mux.HandleFunc("POST /v1/config_schemas/hash/serialized", h.hashSerialized)
	mux.HandleFunc("GET /v1/config_instances/deployed", h.deployedConfigInstance)

	wrapped := withTracing(withActivity(mux, cfg.Tracker))

	return &Server{
		cfg:  cfg,
		http: &http.Server{Handler: wrapped},
	}
}

// Serve acquires the UNIX socket listener — adopting an inherited FD-3
// socket when one was passed down, or unlinking a stale socket file and
// binding fresh otherwise — and blocks until shutdown is closed or the
// server fails.
func (s *Server) Serve(shutdown <-chan struct{}) error {
	listener, err := acquireListener(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = listener

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(listener)
	}()

	select {
	case <-shutdown:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("server: graceful shutdown failed, closing listener")
			_ = s.listener.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// acquireListener adopts fd 3 when socket-activated (LISTEN_FDS >= 1),
// otherwise unlinks any stale socket file and binds fresh.
func acquireListener(socketPath string) (net.Listener, error) {
	if raw, ok := os.LookupEnv("LISTEN_FDS"); ok {
		n, err := strconv.Atoi(raw)
		if err == nil && n >= 1 {
			file := os.NewFile(uintptr(3), "listen_fd_3")
			l, err := net.FileListener(file)
			if err != nil {
				return nil, &agenterrors.FileSysErr{Path: socketPath, Source: err, Site: agenterrors.Trace()}
			}
			return l, nil
		}
	}

	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, &agenterrors.FileSysErr{Path: socketPath, Source: err, Site: agenterrors.Trace()}
	}
	return l, nil
}
