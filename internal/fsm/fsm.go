// Package fsm implements the pure config-instance state machine:
// next_action, deploy, remove, error, and the shared exponential backoff
// helper, ported from the reference agent's deploy/fsm.rs.
//
// These functions never perform IO; every mutation takes a value and
// returns a new value.
package fsm

import (
	"math"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/types"
)

// Settings parameterizes the retry/backoff policy. See SPEC_FULL.md's Open
// Question decisions for the chosen defaults.
type Settings struct {
	MaxAttempts        uint
	ExpBackoffBaseSecs uint
	MaxCooldownSecs    uint
}

// DefaultSettings returns the agent's defaults: max_attempts=5, base=15s,
// growth=2 (implicit in CalcExpBackoff), cap=12h.
func DefaultSettings() Settings {
	return Settings{
		MaxAttempts:        5,
		ExpBackoffBaseSecs: 15,
		MaxCooldownSecs:    12 * 3600,
	}
}

// Action is the decision next_action returns.
type Action int

const (
	ActionNone Action = iota
	ActionDeploy
	ActionRemove
	ActionWait
)

// Decision bundles an Action with the wait duration when Action ==
// ActionWait.
type Decision struct {
	Action Action
	Wait   time.Duration
}

// NextAction is the pure decision function driving a config instance's
// state machine.
func NextAction(inst types.ConfigInstance, useCooldown bool, now time.Time) Decision {
	if useCooldown && now.Before(inst.CooldownEndsAt) {
		return Decision{Action: ActionWait, Wait: inst.CooldownEndsAt.Sub(now)}
	}
	if inst.ErrorStatus == types.ErrorFailed {
		return Decision{Action: ActionNone}
	}

	switch inst.TargetStatus {
	case types.TargetCreated:
		if inst.ActivityStatus == types.ActivityDeployed {
			return Decision{Action: ActionRemove}
		}
		return Decision{Action: ActionNone}
	case types.TargetDeployed:
		if inst.ActivityStatus == types.ActivityDeployed {
			return Decision{Action: ActionNone}
		}
		return Decision{Action: ActionDeploy}
	case types.TargetRemoved:
		if inst.ActivityStatus == types.ActivityRemoved {
			return Decision{Action: ActionNone}
		}
		return Decision{Action: ActionRemove}
	}
	return Decision{Action: ActionNone}
}

// IsActionRequired reports whether NextAction(inst, true) would deploy or
// remove right now.
func IsActionRequired(inst types.ConfigInstance, now time.Time) bool {
	d := NextAction(inst, true, now)
	return d.Action == ActionDeploy || d.Action == ActionRemove
}

// successOptions resets retry bookkeeping, as both Deploy and Remove do.
// ErrorStatus is left untouched: a successful deploy/remove doesn't imply
// anything about error_status, which only Error ever changes (to Retrying
// or Failed; nothing resets it to None).
func successOptions(inst types.ConfigInstance, activity types.ActivityStatus, now time.Time) types.ConfigInstance {
	next := inst.Clone()
	next.ActivityStatus = activity
	next.Attempts = 0
	next.CooldownEndsAt = time.Time{}
	next.UpdatedAt = now
	return next
}

// Deploy transitions inst to Deployed on a successful deployment.
func Deploy(inst types.ConfigInstance, now time.Time) types.ConfigInstance {
	return successOptions(inst, types.ActivityDeployed, now)
}

// Remove transitions inst to Removed on a successful removal.
func Remove(inst types.ConfigInstance, now time.Time) types.ConfigInstance {
	return successOptions(inst, types.ActivityRemoved, now)
}

// Error transitions inst after a failed deploy/remove attempt.
// incrementAttempts should be true when the direction being attempted
// matches target_status (mirrors the reference's
// `target_status == TargetStatus::Deployed|Removed` checks at each call
// site) — callers pass this in rather than re-deriving it here, since only
// the caller knows which direction it was attempting.
func Error(inst types.ConfigInstance, settings Settings, err error, incrementAttempts bool, now time.Time) types.ConfigInstance {
	next := inst.Clone()

	shouldIncrement := incrementAttempts && !agenterrors.IsNetworkConnectionError(err)
	if shouldIncrement {
		next.Attempts = inst.Attempts + 1
	}

	if next.Attempts >= settings.MaxAttempts {
		next.ErrorStatus = types.ErrorFailed
	} else {
		next.ErrorStatus = types.ErrorRetrying
	}

	cooldown := CalcExpBackoff(settings.ExpBackoffBaseSecs, 2, next.Attempts, settings.MaxCooldownSecs)
	next.CooldownEndsAt = now.Add(time.Duration(cooldown) * time.Second)
	next.UpdatedAt = now
	return next
}

// CalcExpBackoff computes min(base * growth^k, max), saturating instead of
// overflowing.
func CalcExpBackoff(base, growth, k, max uint) uint {
	if growth == 0 {
		growth = 1
	}
	factor := math.Pow(float64(growth), float64(k))
	val := float64(base) * factor
	if val > float64(max) || math.IsInf(val, 1) {
		return max
	}
	return uint(val)
}
