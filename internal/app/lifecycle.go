package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/miru-agent/internal/config"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/server"
	"github.com/cuemby/miru-agent/internal/worker"
)

// App is the running agent: state plus the two workers and the local
// server, all subscribed to one shutdown broadcast.
type App struct {
	opts  Options
	state *State

	tokenWorker *worker.TokenRefreshWorker
	syncWorker  *worker.BackendSyncWorker
	server      *server.Server

	shutdown chan struct{}
	once     sync.Once
}

// Start runs the startup sequence, in order:
//  1. require the agent file to exist and be activated
//  2. init logging
//  3. build the HTTP client (done inside initState)
//  4. init app state
//  5. spawn the workers
//  6. construct the local server (Run starts serving it)
func Start(root, version, commit string) (*App, error) {
	agent, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("agent file: %w", err)
	}
	if !agent.Activated {
		return nil, fmt.Errorf("agent is not activated: run the installer first")
	}

	log.Init(log.Config{Level: agent.LogLevel})

	opts := DefaultOptions(root, agent.BackendBaseURL)
	opts.Version = version
	opts.Commit = commit
	opts.Lifecycle.MaxRuntime = agent.MaxRuntimeDuration()
	opts.Lifecycle.IdleTimeout = agent.IdleTimeoutDuration()
	opts.Lifecycle.MaxShutdownDelay = agent.MaxShutdownWaitDuration()
	listenFDs, fdErr := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	opts.Lifecycle.IsSocketActivated = fdErr == nil && listenFDs >= 1

	state, err := initState(agent.DeviceID, opts)
	if err != nil {
		return nil, err
	}

	shutdownCh := make(chan struct{})

	tokenWorker := worker.NewTokenRefreshWorker(opts.TokenRefresh, state.TokenMngr)
	syncWorker := worker.NewBackendSyncWorker(opts.BackendSync, state.Syncer)

	socketPath := agent.SocketPath
	if socketPath == "" {
		socketPath = opts.Layout.SocketPath()
	}
	srv := server.New(server.Config{
		SocketPath:    socketPath,
		Version:       opts.Version,
		Commit:        opts.Commit,
		Client:        state.HTTPClient,
		DigestCache:   state.DigestCache,
		SchemaCache:   state.SchemaCache,
		MetadataCache: state.InstanceCache,
		DataCache:     state.DataCache,
		Syncer:        state.Syncer,
		Tracker:       state.Tracker,
	})

	return &App{
		opts:        opts,
		state:       state,
		tokenWorker: tokenWorker,
		syncWorker:  syncWorker,
		server:      srv,
		shutdown:    shutdownCh,
	}, nil
}

// Run blocks until one of the three termination triggers fires, then
// executes the nine-step shutdown sequence and returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- a.server.Serve(a.shutdown) }()

	tokenDone := make(chan struct{})
	go func() { a.tokenWorker.Run(ctx, a.shutdown); close(tokenDone) }()

	syncDone := make(chan struct{})
	go func() { a.syncWorker.Run(ctx, a.shutdown); close(syncDone) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	maxRuntime := time.NewTimer(a.opts.Lifecycle.MaxRuntime)
	defer maxRuntime.Stop()

	idleTicker := time.NewTicker(a.opts.Lifecycle.IdleTimeoutPollInterval)
	defer idleTicker.Stop()

	var triggerErr error
	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("app: shutting down on signal")
	case <-maxRuntime.C:
		log.Logger.Info().Msg("app: shutting down, max runtime exceeded")
	case <-a.idleTimeoutFired(ctx, idleTicker.C):
		log.Logger.Info().Msg("app: shutting down, idle timeout exceeded")
	case err := <-serverDone:
		triggerErr = err
		log.Logger.Warn().Err(err).Msg("app: local server exited unexpectedly")
	}

	a.shutdownOnce()

	doneCh := make(chan struct{})
	go func() {
		<-serverDone
		<-syncDone
		<-tokenDone
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(a.opts.Lifecycle.MaxShutdownDelay):
		log.Logger.Error().Msg("app: shutdown exceeded max_shutdown_delay, exiting anyway")
	}

	a.state.shutdown()
	return triggerErr
}

// idleTimeoutFired polls the activity tracker on every tick, firing only
// while the process is socket-activated — a process that owns its listener
// outright has no idle-shutdown trigger.
func (a *App) idleTimeoutFired(ctx context.Context, ticks <-chan time.Time) <-chan time.Time {
	fired := make(chan time.Time, 1)
	if !a.opts.Lifecycle.IsSocketActivated {
		return fired
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticks:
				if a.state.Tracker.IdleFor(t) > a.opts.Lifecycle.IdleTimeout {
					fired <- t
					return
				}
			}
		}
	}()
	return fired
}

// shutdownOnce broadcasts shutdown, idempotently.
func (a *App) shutdownOnce() {
	a.once.Do(func() { close(a.shutdown) })
}
