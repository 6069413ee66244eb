// Package deploy implements the deployment writer: given a partition of
// config instances into those to remove and those to deploy,
// it materializes or deletes each instance's payload under a deployment
// directory, drives the config-instance FSM, and notifies observers —
// rolling back a failed deploy batch on a best-effort basis. Grounded on
// the reference agent's batch deploy_with_rollback/deploy_many/remove_many.
package deploy

import (
	"path/filepath"
	"time"

	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/types"
)

// DataFetcher reads a config instance's materialized payload bytes by id,
// an abstraction over the data half of the metadata/data cache split.
type DataFetcher interface {
	Read(id string) ([]byte, error)
}

// Observer is notified after every FSM transition, in registration order.
// The first observer to return an error short-circuits the remainder of
// the current batch.
type Observer interface {
	OnUpdate(inst types.ConfigInstance) error
}

// Results is the outcome of one deploy-with-rollback invocation.
type Results struct {
	ToRemove []types.ConfigInstance
	ToDeploy []types.ConfigInstance
}

func EmptyResults() Results {
	return Results{}
}

// DeployWithRollback removes toRemove, then deploys toDeploy. Remove
// failures are per-instance (handled through fsm.Error) and are logged but
// never propagated from this call. A deploy failure is propagated after an
// attempt to roll back: the partially-deployed instances are removed again
// and the originally-removed instances are re-deployed, both best-effort.
func DeployWithRollback(
	toRemove, toDeploy []types.ConfigInstance,
	dataFetcher DataFetcher,
	deploymentDir string,
	settings fsm.Settings,
	observers []Observer,
	now func() time.Time,
) (Results, error) {
	removedResults, removeErr := removeMany(toRemove, deploymentDir, settings, observers, now)
	if removeErr != nil {
		log.Logger.Error().Err(removeErr).Msg("deploy: remove batch failed")
	}

	deployedResults, deployErr := deployMany(toDeploy, dataFetcher, deploymentDir, settings, observers, now)
	if deployErr != nil {
		log.Logger.Error().Err(deployErr).Msg("deploy: deploy batch failed, rolling back")

		partiallyDeployed := successfullyDeployed(deployedResults)
		if _, err := removeMany(partiallyDeployed, deploymentDir, settings, observers, now); err != nil {
			log.Logger.Error().Err(err).Msg("deploy: rollback remove leg failed")
		}
		if _, err := deployMany(toRemove, dataFetcher, deploymentDir, settings, observers, now); err != nil {
			log.Logger.Error().Err(err).Msg("deploy: rollback re-deploy leg failed")
		}
	}

	return Results{ToRemove: removedResults, ToDeploy: deployedResults}, deployErr
}

func successfullyDeployed(instances []types.ConfigInstance) []types.ConfigInstance {
	out := make([]types.ConfigInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.ActivityStatus == types.ActivityDeployed {
			out = append(out, inst)
		}
	}
	return out
}

// removeMany is short-circuiting: the first per-instance failure (either in
// the removal itself or in observer notification) stops processing, with
// every remaining unprocessed instance appended to the result unchanged.
func removeMany(instances []types.ConfigInstance, deploymentDir string, settings fsm.Settings, observers []Observer, now func() time.Time) ([]types.ConfigInstance, error) {
	results := make([]types.ConfigInstance, 0, len(instances))
	for i, inst := range instances {
		err := removeOne(inst, deploymentDir)

		var next types.ConfigInstance
		if err != nil {
			next = fsm.Error(inst, settings, err, inst.TargetStatus == types.TargetRemoved, now())
		} else {
			next = fsm.Remove(inst, now())
		}
		notifyErr := notify(observers, next)
		results = append(results, next)

		if err != nil {
			results = append(results, instances[i+1:]...)
			return results, err
		}
		if notifyErr != nil {
			results = append(results, instances[i+1:]...)
			return results, notifyErr
		}
	}
	return results, nil
}

// deployMany mirrors removeMany's short-circuit contract for the deploy
// direction.
func deployMany(instances []types.ConfigInstance, dataFetcher DataFetcher, deploymentDir string, settings fsm.Settings, observers []Observer, now func() time.Time) ([]types.ConfigInstance, error) {
	results := make([]types.ConfigInstance, 0, len(instances))
	for i, inst := range instances {
		err := deployOne(inst, dataFetcher, deploymentDir)

		var next types.ConfigInstance
		if err != nil {
			next = fsm.Error(inst, settings, err, inst.TargetStatus == types.TargetDeployed, now())
		} else {
			next = fsm.Deploy(inst, now())
		}
		notifyErr := notify(observers, next)
		results = append(results, next)

		if err != nil {
			results = append(results, instances[i+1:]...)
			return results, err
		}
		if notifyErr != nil {
			results = append(results, instances[i+1:]...)
			return results, notifyErr
		}
	}
	return results, nil
}

func removeOne(inst types.ConfigInstance, deploymentDir string) error {
	if inst.RelativeFilepath == nil {
		return nil
	}
	return fsys.Delete(filepath.Join(deploymentDir, *inst.RelativeFilepath))
}

func deployOne(inst types.ConfigInstance, dataFetcher DataFetcher, deploymentDir string) error {
	data, err := dataFetcher.Read(inst.ID)
	if err != nil {
		return err
	}
	if inst.RelativeFilepath == nil {
		return nil
	}
	return fsys.WriteFileAtomic(filepath.Join(deploymentDir, *inst.RelativeFilepath), data, 0o644)
}

func notify(observers []Observer, inst types.ConfigInstance) error {
	for _, o := range observers {
		if err := o.OnUpdate(inst); err != nil {
			return err
		}
	}
	return nil
}
