package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/deploy"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/types"
)

// runSync executes pull, then apply, then push — in that order, within one
// invocation.
func runSync(ctx context.Context, cfg Config, now time.Time) error {
	if err := pull(ctx, cfg); err != nil {
		return err
	}

	toDeploy, toRemove, err := selectActionSet(cfg, now)
	if err != nil {
		return err
	}

	if len(toDeploy) > 0 || len(toRemove) > 0 {
		fetcher := &cacheDataFetcher{dataCache: cfg.DataCache}
		observer := &storageObserver{metadataCache: cfg.MetadataCache}
		_, deployErr := deploy.DeployWithRollback(toRemove, toDeploy, fetcher, cfg.DeploymentDir, cfg.FSMSettings, []deploy.Observer{observer}, func() time.Time { return now })
		if deployErr != nil {
			return deployErr
		}
	}

	return push(ctx, cfg)
}

// pull fetches the device's non-removed instances, reconciles them against
// the local metadata cache, and fetches full payloads for anything unknown
// locally.
func pull(ctx context.Context, cfg Config) error {
	search := httpclient.NewSearch().NotEquals("activity_status", "removed")
	serverList, err := cfg.Client.SearchConfigInstances(ctx, search, nil)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("syncer: pull failed, proceeding with local state")
		return nil
	}

	existing, err := cfg.MetadataCache.EntryMap()
	if err != nil {
		return err
	}

	var unknownIDs []string
	for _, serverInst := range serverList {
		local, ok := existing[serverInst.ID]
		switch {
		case !ok:
			unknownIDs = append(unknownIDs, serverInst.ID)
		case local.Value.TargetStatus != serverInst.TargetStatus:
			merged := local.Value
			merged.TargetStatus = serverInst.TargetStatus
			merged.UpdatedAt = serverInst.UpdatedAt
			merged.UpdatedByID = serverInst.UpdatedByID
			if err := cfg.MetadataCache.Write(serverInst.ID, merged, neverDirty, true); err != nil {
				return err
			}
		}
	}

	if len(unknownIDs) == 0 {
		return nil
	}

	expandSearch := httpclient.NewSearch().Equals("id", unknownIDs...)
	expanded, err := cfg.Client.SearchConfigInstances(ctx, expandSearch, unknownIDs)
	if err != nil {
		log.Logger.Debug().Err(err).Msg("syncer: expanded pull failed, proceeding with local state")
		return nil
	}

	found := make(map[string]bool, len(expanded))
	for _, inst := range expanded {
		found[inst.ID] = true
		if err := cfg.MetadataCache.Write(inst.ID, inst.ConfigInstance, neverDirty, true); err != nil {
			return err
		}
		if len(inst.Data) > 0 {
			if err := cfg.DataCache.Write(inst.ID, inst.Data, neverDirty, true); err != nil {
				return err
			}
		}
	}
	for _, id := range unknownIDs {
		if !found[id] {
			return &agenterrors.MissingExpandedInstancesErr{ExpectedIDs: unknownIDs, ActualIDs: keys(found), Site: agenterrors.Trace()}
		}
	}
	return nil
}

// selectActionSet scans the metadata cache for instances requiring a
// deploy or remove action right now.
func selectActionSet(cfg Config, now time.Time) (toDeploy, toRemove []types.ConfigInstance, err error) {
	entries, err := cfg.MetadataCache.Entries()
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		inst := entry.Value
		decision := fsm.NextAction(inst, true, now)
		switch decision.Action {
		case fsm.ActionDeploy:
			toDeploy = append(toDeploy, inst)
		case fsm.ActionRemove:
			toRemove = append(toRemove, inst)
		}
	}
	return toDeploy, toRemove, nil
}

// push sends a status patch for every dirty metadata entry, clearing the
// dirty bit only on a successful patch (see SPEC_FULL.md's Open Question
// decision on this point).
func push(ctx context.Context, cfg Config) error {
	dirty, err := cfg.MetadataCache.GetDirtyEntries()
	if err != nil {
		return err
	}
	for _, entry := range dirty {
		inst := entry.Value
		req := httpclient.PatchConfigInstanceRequest{
			ActivityStatus: &inst.ActivityStatus,
			ErrorStatus:    &inst.ErrorStatus,
		}
		if _, err := cfg.Client.PatchConfigInstance(ctx, inst.ID, req); err != nil {
			log.Logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("syncer: push failed, entry stays dirty")
			continue
		}
		if err := cfg.MetadataCache.Write(inst.ID, inst, neverDirty, true); err != nil {
			return err
		}
	}
	return nil
}

func neverDirty(_ *cache.Entry[string, types.ConfigInstance], _ types.ConfigInstance) bool {
	return false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

type cacheDataFetcher struct {
	dataCache *cache.Cache[string, json.RawMessage]
}

func (f *cacheDataFetcher) Read(id string) ([]byte, error) {
	entry, err := f.dataCache.Read(id)
	if err != nil {
		return nil, err
	}
	return []byte(entry.Value), nil
}

type storageObserver struct {
	metadataCache *cache.Cache[string, types.ConfigInstance]
}

func (o *storageObserver) OnUpdate(inst types.ConfigInstance) error {
	pred := func(old *cache.Entry[string, types.ConfigInstance], newVal types.ConfigInstance) bool {
		if old == nil {
			return true
		}
		return old.Value.ActivityStatus != newVal.ActivityStatus || old.Value.ErrorStatus != newVal.ErrorStatus
	}
	return o.metadataCache.Write(inst.ID, inst, pred, true)
}
