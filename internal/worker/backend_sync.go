package worker

import (
	"context"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/syncer"
)

// BackendSyncOptions mirrors workers/backend_sync.rs::BackendSyncWorkerOptions,
// minus the mqtt_enabled branch: this build always takes the polling path
// (SPEC_FULL.md places MQTT out of scope).
type BackendSyncOptions struct {
	SyncCooldown syncer.CooldownOptions
	PollInterval time.Duration
}

func DefaultBackendSyncOptions() BackendSyncOptions {
	return BackendSyncOptions{
		SyncCooldown: syncer.DefaultCooldownOptions(),
		PollInterval: 12 * time.Hour,
	}
}

// BackendSyncWorker drives Syncer.Sync on an interval, applying its own
// cooldown backoff on failure independent of the syncer's internal
// cooldown bookkeeping (both ultimately share fsm.CalcExpBackoff).
type BackendSyncWorker struct {
	opts  BackendSyncOptions
	s     *syncer.Syncer
	sleep func(time.Duration) <-chan time.Time
	done  chan struct{}
}

func NewBackendSyncWorker(opts BackendSyncOptions, s *syncer.Syncer) *BackendSyncWorker {
	return &BackendSyncWorker{
		opts:  opts,
		s:     s,
		sleep: func(d time.Duration) <-chan time.Time { return time.After(d) },
		done:  make(chan struct{}),
	}
}

func (w *BackendSyncWorker) Run(ctx context.Context, shutdown <-chan struct{}) {
	defer close(w.done)
	cooldownSecs := w.opts.SyncCooldown.BaseSecs
	logger := log.WithComponent("backend_sync_worker")

	for {
		wait := w.calcWait(cooldownSecs)

		select {
		case <-shutdown:
			logger.Info().Msg("backend sync worker shutdown complete")
			return
		case <-w.sleep(wait):
		}

		err := w.s.Sync(ctx, true)
		if err != nil {
			logger.Error().Err(err).Msg("error syncing device")
			if !agenterrors.IsNetworkConnectionError(err) {
				cooldownSecs = nextCooldown(cooldownSecs, w.opts.SyncCooldown.Growth, w.opts.SyncCooldown.MaxSecs)
			}
			continue
		}
		cooldownSecs = w.opts.SyncCooldown.BaseSecs
	}
}

// calcWait returns the time left until cooldownSecs have passed since the
// last successful sync (zero once they have); before any successful sync it
// returns the cooldown base.
func (w *BackendSyncWorker) calcWait(cooldownSecs uint) time.Duration {
	state, err := w.s.GetSyncState()
	if err != nil {
		return time.Duration(w.opts.SyncCooldown.BaseSecs) * time.Second
	}
	if state.LastSuccessfulSyncAt.IsZero() {
		return time.Duration(w.opts.SyncCooldown.BaseSecs) * time.Second
	}
	sinceLast := time.Since(state.LastSuccessfulSyncAt)
	remaining := time.Duration(cooldownSecs)*time.Second - sinceLast
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func nextCooldown(cur, growth, max uint) uint {
	return fsm.CalcExpBackoff(cur, growth, 1, max)
}

// Done reports when the worker has returned from Run.
func (w *BackendSyncWorker) Done() <-chan struct{} { return w.done }
