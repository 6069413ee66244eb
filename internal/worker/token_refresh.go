// Package worker implements the two background loops the lifecycle
// orchestrator spawns alongside the local server: a token-refresh worker
// that keeps the bearer token ahead of its expiration, and a backend-sync
// worker that drives the syncer on a cooldown-gated interval. Both select
// over {shutdown, timer} in the monitorLoop idiom used throughout this
// codebase's worker package, and both attribute only non-network failures
// to their own error streak.
package worker

import (
	"context"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/auth"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/syncer"
)

// TokenRefreshOptions mirrors the reference agent's
// workers/token_refresh.rs::TokenRefreshWorkerOptions.
type TokenRefreshOptions struct {
	RefreshAdvance  time.Duration
	PollingCooldown syncer.CooldownOptions
}

func DefaultTokenRefreshOptions() TokenRefreshOptions {
	return TokenRefreshOptions{
		RefreshAdvance:  15 * time.Minute,
		PollingCooldown: syncer.CooldownOptions{BaseSecs: 10, Growth: 2, MaxSecs: 3600},
	}
}

// TokenRefreshWorker periodically calls TokenManager.RefreshToken, spacing
// calls so the token is refreshed RefreshAdvance before it expires.
type TokenRefreshWorker struct {
	opts    TokenRefreshOptions
	mgr     *auth.TokenManager
	sleep   func(time.Duration) <-chan time.Time
	done    chan struct{}
}

func NewTokenRefreshWorker(opts TokenRefreshOptions, mgr *auth.TokenManager) *TokenRefreshWorker {
	return &TokenRefreshWorker{
		opts: opts,
		mgr:  mgr,
		sleep: func(d time.Duration) <-chan time.Time { return time.After(d) },
		done: make(chan struct{}),
	}
}

// Run blocks until shutdown is closed, running one refresh-then-wait cycle
// at a time.
func (w *TokenRefreshWorker) Run(ctx context.Context, shutdown <-chan struct{}) {
	defer close(w.done)
	errStreak := uint(0)
	logger := log.WithComponent("token_refresh_worker")

	for {
		err := w.mgr.RefreshToken(ctx)
		switch {
		case err == nil:
			if errStreak > 0 {
				logger.Info().Uint("prior_err_streak", errStreak).Msg("token refreshed after error streak")
			}
			errStreak = 0
		case agenterrors.IsNetworkConnectionError(err):
			logger.Debug().Err(err).Msg("token refresh deferred: network error")
		default:
			errStreak++
			logger.Error().Err(err).Uint("err_streak", errStreak).Msg("token refresh failed")
		}

		wait := w.calcWait(errStreak)

		select {
		case <-shutdown:
			logger.Info().Msg("token refresh worker shutdown complete")
			return
		case <-w.sleep(wait):
		}
	}
}

func (w *TokenRefreshWorker) calcWait(errStreak uint) time.Duration {
	cooldownSecs := fsm.CalcExpBackoff(w.opts.PollingCooldown.BaseSecs, w.opts.PollingCooldown.Growth, errStreak, w.opts.PollingCooldown.MaxSecs)
	cooldown := time.Duration(cooldownSecs) * time.Second

	token, err := w.mgr.GetToken()
	if err != nil {
		return cooldown
	}
	untilExpiry := time.Until(token.ExpiresAt)
	if untilExpiry < w.opts.RefreshAdvance {
		return cooldown
	}
	return untilExpiry - w.opts.RefreshAdvance
}

// Done reports when the worker has returned from Run.
func (w *TokenRefreshWorker) Done() <-chan struct{} { return w.done }
