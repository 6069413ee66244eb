// Package syncer implements the pull/apply/push orchestrator: a single
// actor serializing every sync attempt, so "at most one sync in flight" and
// "pull completes before apply, apply before push" hold by construction
// rather than by locking. Grounded on the reference agent's
// sync/{sync,pull,push}.rs.
package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/deploy"
	"github.com/cuemby/miru-agent/internal/events"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/types"
)

// Config bundles everything one sync cycle needs.
type Config struct {
	Client          *httpclient.Client
	MetadataCache   *cache.Cache[string, types.ConfigInstance]
	DataCache       *cache.Cache[string, json.RawMessage]
	DeploymentDir   string
	FSMSettings     fsm.Settings
	CooldownOptions CooldownOptions
	Now             func() time.Time
}

type opKind int

const (
	opSync opKind = iota
	opGetState
)

type command struct {
	op         opKind
	ctx        context.Context
	useCooldown bool
	errCh      chan error
	stateCh    chan State
}

// Syncer is the actor handle.
type Syncer struct {
	cmds   chan command
	closed chan struct{}
	done   chan struct{}
	watch  *events.Watch[Event]
}

func Spawn(cfg Config) *Syncer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Syncer{
		cmds:   make(chan command, 16),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		watch:  events.NewWatch(Event{}),
	}
	go s.run(cfg)
	return s
}

func (s *Syncer) run(cfg Config) {
	defer close(s.done)
	state := State{}
	pendingCooldownEnd := false

	for {
		select {
		case cmd := <-s.cmds:
			switch cmd.op {
			case opGetState:
				cmd.stateCh <- state
			case opSync:
				now := cfg.Now()
				if pendingCooldownEnd && !state.InCooldown(now) {
					s.watch.Set(Event{Kind: CooldownEnd, Cause: CooldownCauseSyncFailure, At: now})
					pendingCooldownEnd = false
				}

				if cmd.useCooldown && state.InCooldown(now) {
					cmd.errCh <- &agenterrors.InCooldownErr{Site: agenterrors.Trace()}
					continue
				}

				state.LastSyncAttemptedAt = now
				err := runSync(cmd.ctx, cfg, now)
				if err != nil {
					state.ErrStreak++
					backoff := fsm.CalcExpBackoff(cfg.CooldownOptions.BaseSecs, cfg.CooldownOptions.Growth, state.ErrStreak, cfg.CooldownOptions.MaxSecs)
					state.CooldownEndsAt = now.Add(time.Duration(backoff) * time.Second)
					pendingCooldownEnd = true
					s.watch.Set(Event{Kind: SyncFailure, At: now})
					log.Logger.Warn().Err(err).Uint("err_streak", state.ErrStreak).Msg("syncer: sync cycle failed")
				} else {
					state.LastSuccessfulSyncAt = now
					state.ErrStreak = 0
					state.CooldownEndsAt = time.Time{}
					s.watch.Set(Event{Kind: SyncSuccess, At: now})
				}
				cmd.errCh <- err
			}
		case <-s.closed:
			return
		}
	}
}

// Sync runs one cycle, respecting cooldown only when useCooldown is true.
func (s *Syncer) Sync(ctx context.Context, useCooldown bool) error {
	errCh := make(chan error, 1)
	select {
	case s.cmds <- command{op: opSync, ctx: ctx, useCooldown: useCooldown, errCh: errCh}:
	case <-s.closed:
		return &agenterrors.ActorClosedErr{Actor: "syncer", Site: agenterrors.Trace()}
	}
	return <-errCh
}

// SyncIfNotInCooldown is Sync(ctx, true).
func (s *Syncer) SyncIfNotInCooldown(ctx context.Context) error {
	return s.Sync(ctx, true)
}

func (s *Syncer) GetSyncState() (State, error) {
	stateCh := make(chan State, 1)
	select {
	case s.cmds <- command{op: opGetState, stateCh: stateCh}:
	case <-s.closed:
		return State{}, &agenterrors.ActorClosedErr{Actor: "syncer", Site: agenterrors.Trace()}
	}
	return <-stateCh, nil
}

// Subscribe returns the watch channel of sync events; Get/Snapshot read the
// latest value without blocking the syncer actor.
func (s *Syncer) Subscribe() *events.Watch[Event] {
	return s.watch
}

func (s *Syncer) Shutdown() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	<-s.done
}
