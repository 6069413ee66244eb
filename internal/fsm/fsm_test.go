package fsm

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/types"
	"github.com/stretchr/testify/require"
)

func baseInstance() types.ConfigInstance {
	return types.ConfigInstance{
		ID:             "inst-1",
		ConfigSchemaID: "schema-1",
		ErrorStatus:    types.ErrorNone,
	}
}

func TestNextAction_TargetDeployedNotYetDeployed(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetDeployed
	inst.ActivityStatus = types.ActivityCreated
	d := NextAction(inst, true, time.Now())
	require.Equal(t, ActionDeploy, d.Action)
}

func TestNextAction_TargetDeployedAlreadyDeployed(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetDeployed
	inst.ActivityStatus = types.ActivityDeployed
	d := NextAction(inst, true, time.Now())
	require.Equal(t, ActionNone, d.Action)
}

func TestNextAction_TargetRemovedStillDeployed(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetRemoved
	inst.ActivityStatus = types.ActivityDeployed
	d := NextAction(inst, true, time.Now())
	require.Equal(t, ActionRemove, d.Action)
}

func TestNextAction_TargetCreatedButDeployed(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetCreated
	inst.ActivityStatus = types.ActivityDeployed
	d := NextAction(inst, true, time.Now())
	require.Equal(t, ActionRemove, d.Action)
}

func TestNextAction_FailedErrorStatusBlocks(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetDeployed
	inst.ActivityStatus = types.ActivityCreated
	inst.ErrorStatus = types.ErrorFailed
	d := NextAction(inst, true, time.Now())
	require.Equal(t, ActionNone, d.Action)
}

func TestNextAction_InCooldownWaits(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetDeployed
	inst.ActivityStatus = types.ActivityCreated
	now := time.Now()
	inst.CooldownEndsAt = now.Add(30 * time.Second)
	d := NextAction(inst, true, now)
	require.Equal(t, ActionWait, d.Action)
	require.InDelta(t, 30*time.Second, d.Wait, float64(time.Second))
}

func TestNextAction_CooldownIgnoredWhenDisabled(t *testing.T) {
	inst := baseInstance()
	inst.TargetStatus = types.TargetDeployed
	inst.ActivityStatus = types.ActivityCreated
	now := time.Now()
	inst.CooldownEndsAt = now.Add(30 * time.Second)
	d := NextAction(inst, false, now)
	require.Equal(t, ActionDeploy, d.Action)
}

func TestDeploy_ResetsBookkeeping(t *testing.T) {
	inst := baseInstance()
	inst.Attempts = 3
	inst.ErrorStatus = types.ErrorRetrying
	inst.CooldownEndsAt = time.Now().Add(time.Hour)
	now := time.Now()
	next := Deploy(inst, now)
	require.Equal(t, types.ActivityDeployed, next.ActivityStatus)
	require.Equal(t, types.ErrorRetrying, next.ErrorStatus)
	require.Zero(t, next.Attempts)
	require.True(t, next.CooldownEndsAt.IsZero())
	require.Equal(t, now, next.UpdatedAt)
}

func TestRemove_ResetsBookkeeping(t *testing.T) {
	inst := baseInstance()
	inst.Attempts = 2
	now := time.Now()
	next := Remove(inst, now)
	require.Equal(t, types.ActivityRemoved, next.ActivityStatus)
	require.Zero(t, next.Attempts)
}

func TestError_IncrementsAttemptsWhenDirectionMatches(t *testing.T) {
	inst := baseInstance()
	inst.Attempts = 0
	settings := DefaultSettings()
	now := time.Now()
	next := Error(inst, settings, errors.New("boom"), true, now)
	require.Equal(t, uint(1), next.Attempts)
	require.Equal(t, types.ErrorRetrying, next.ErrorStatus)
	require.True(t, next.CooldownEndsAt.After(now))
}

func TestError_DoesNotIncrementWhenDirectionMismatched(t *testing.T) {
	inst := baseInstance()
	inst.Attempts = 2
	settings := DefaultSettings()
	next := Error(inst, settings, errors.New("boom"), false, time.Now())
	require.Equal(t, uint(2), next.Attempts)
}

func TestError_DoesNotIncrementOnNetworkError(t *testing.T) {
	inst := baseInstance()
	inst.Attempts = 0
	settings := DefaultSettings()
	netErr := &agenterrors.NetworkErr{Source: errors.New("dial tcp: timeout")}
	next := Error(inst, settings, netErr, true, time.Now())
	require.Zero(t, next.Attempts)
}

func TestError_FailedAfterMaxAttempts(t *testing.T) {
	inst := baseInstance()
	settings := DefaultSettings()
	inst.Attempts = settings.MaxAttempts - 1
	next := Error(inst, settings, errors.New("boom"), true, time.Now())
	require.Equal(t, types.ErrorFailed, next.ErrorStatus)
}

func TestCalcExpBackoff_Saturates(t *testing.T) {
	require.Equal(t, uint(15), CalcExpBackoff(15, 2, 0, 12*3600))
	require.Equal(t, uint(30), CalcExpBackoff(15, 2, 1, 12*3600))
	require.Equal(t, uint(60), CalcExpBackoff(15, 2, 2, 12*3600))
	require.Equal(t, uint(12*3600), CalcExpBackoff(15, 2, 100, 12*3600))
}
