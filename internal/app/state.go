package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/miru-agent/internal/activity"
	"github.com/cuemby/miru-agent/internal/audit"
	"github.com/cuemby/miru-agent/internal/auth"
	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/devicefile"
	"github.com/cuemby/miru-agent/internal/events"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/security"
	"github.com/cuemby/miru-agent/internal/syncer"
	"github.com/cuemby/miru-agent/internal/types"
)

// State holds every long-lived collaborator the orchestrator spawned, and
// owns the order in which they are torn down.
type State struct {
	Layout StorageLayout

	HTTPClient *httpclient.Client
	TokenMngr  *auth.TokenManager
	DeviceFile *devicefile.DeviceFile

	DigestCache   *cache.Cache[string, types.DigestPair]
	SchemaCache   *cache.Cache[string, types.ConfigSchema]
	DataCache     *cache.Cache[string, json.RawMessage]

	InstanceCache *cache.Cache[string, types.ConfigInstance]
	Syncer        *syncer.Syncer
	Tracker       *activity.Tracker
	Audit         *audit.Store

	TokenBroker *events.Broker
}

func identityKey(id string) string { return id }

// initState implements startup step 4: build the caches, the token
// manager, the syncer, the device file, and the activity tracker, wiring
// each to the storage layout and returning one handle a caller can shut
// down as a unit.
func initState(deviceID string, opts Options) (*State, error) {
	keyStore := security.NewKeyStore(opts.Layout.AuthDir())
	if !keyStore.Exists() {
		return nil, fmt.Errorf("device is not activated: no signing key under %s", opts.Layout.AuthDir())
	}
	privateKey, err := keyStore.Load()
	if err != nil {
		return nil, err
	}

	tokenBroker := events.NewBroker()

	var tokenMngr *auth.TokenManager
	client := httpclient.New(opts.BackendBaseURL, func() string {
		if tokenMngr == nil {
			return ""
		}
		tok, err := tokenMngr.GetToken()
		if err != nil {
			return ""
		}
		return tok.Token
	})

	tokenMngr = auth.Spawn(deviceID, client, privateKey, opts.Layout.TokenFile(), 30*time.Second, tokenBroker)

	digestCache := cache.Spawn[string, types.DigestPair](
		cache.NewDirBacking[string, types.DigestPair](opts.Layout.DigestCacheDir(), identityKey),
		opts.CacheCapacities.Digest,
	)
	schemaCache := cache.Spawn[string, types.ConfigSchema](
		cache.NewDirBacking[string, types.ConfigSchema](opts.Layout.SchemaCacheDir(), identityKey),
		opts.CacheCapacities.Schema,
	)
	instanceCache := cache.Spawn[string, types.ConfigInstance](
		cache.NewDirBacking[string, types.ConfigInstance](opts.Layout.MetadataCacheDir(), identityKey),
		opts.CacheCapacities.Metadata,
	)
	dataCache := cache.Spawn[string, json.RawMessage](
		cache.NewDirBacking[string, json.RawMessage](opts.Layout.DataCacheDir(), identityKey),
		opts.CacheCapacities.Data,
	)

	syncerHandle := syncer.Spawn(syncer.Config{
		Client:          client,
		MetadataCache:   instanceCache,
		DataCache:       dataCache,
		DeploymentDir:   opts.Layout.DeploymentDir(),
		FSMSettings:     opts.FSMSettings,
		CooldownOptions: opts.BackendSync.SyncCooldown,
	})

	deviceFile, err := devicefile.Spawn(opts.Layout.DeviceFile(), types.Device{
		DeviceID:  deviceID,
		Activated: true,
		Status:    types.DeviceOffline,
	})
	if err != nil {
		tokenMngr.Shutdown()
		syncerHandle.Shutdown()
		digestCache.Shutdown()
		schemaCache.Shutdown()
		instanceCache.Shutdown()
		dataCache.Shutdown()
		return nil, err
	}
	// Boot always forces the device offline; shutdown does the same for a
	// device record that reads online.
	if err := deviceFile.Patch(devicefile.Disconnected(time.Now())); err != nil {
		log.Logger.Warn().Err(err).Msg("app: failed to flush device file at boot")
	}

	auditStore, err := audit.Open(opts.Layout.AuditDir())
	if err != nil {
		deviceFile.Shutdown()
		tokenMngr.Shutdown()
		syncerHandle.Shutdown()
		digestCache.Shutdown()
		schemaCache.Shutdown()
		instanceCache.Shutdown()
		dataCache.Shutdown()
		return nil, err
	}

	return &State{
		Layout:        opts.Layout,
		HTTPClient:    client,
		TokenMngr:     tokenMngr,
		DeviceFile:    deviceFile,
		DigestCache:   digestCache,
		SchemaCache:   schemaCache,
		InstanceCache: instanceCache,
		DataCache:     dataCache,
		Syncer:        syncerHandle,
		Tracker:       activity.NewTracker(),
		Audit:         auditStore,
		TokenBroker:   tokenBroker,
	}, nil
}

// shutdown implements shutdown steps 5-8: device offline + flush, syncer,
// caches (dependents before dependencies: the instance/data caches the
// syncer writes through are stopped before the schema/digest caches that
// merely memoize lookups), then the token manager.
func (s *State) shutdown() {
	if device, err := s.DeviceFile.Read(); err == nil && device.Status == types.DeviceOnline {
		if err := s.DeviceFile.Patch(devicefile.Disconnected(time.Now())); err != nil {
			log.Logger.Warn().Err(err).Msg("app: failed to flush device file at shutdown")
		}
	}
	s.DeviceFile.Shutdown()

	s.Syncer.Shutdown()

	s.InstanceCache.Shutdown()
	s.DataCache.Shutdown()
	s.SchemaCache.Shutdown()
	s.DigestCache.Shutdown()

	s.TokenMngr.Shutdown()

	if err := s.Audit.Close(); err != nil {
		log.Logger.Warn().Err(err).Msg("app: failed to close audit log")
	}
}
