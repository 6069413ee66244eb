// Package app is the lifecycle orchestrator: it wires every other package
// into one running agent, sequences startup, and drives the three
// termination triggers through the nine-step ordered shutdown. Grounded on
// the reference agent's app/state.rs and app/options.rs.
package app

import (
	"path/filepath"
	"time"

	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/worker"
)

// LifecycleOptions controls the three termination triggers and the
// shutdown deadline.
type LifecycleOptions struct {
	IsSocketActivated       bool
	MaxRuntime              time.Duration
	IdleTimeout             time.Duration
	IdleTimeoutPollInterval time.Duration
	MaxShutdownDelay        time.Duration
}

func DefaultLifecycleOptions() LifecycleOptions {
	return LifecycleOptions{
		IsSocketActivated:       true,
		MaxRuntime:              15 * time.Minute,
		IdleTimeout:             5 * time.Minute,
		IdleTimeoutPollInterval: 5 * time.Second,
		MaxShutdownDelay:        30 * time.Second,
	}
}

// CacheCapacities sets each cache actor's command-channel buffer size,
// following the design note's recommendation of 32-64 per actor.
type CacheCapacities struct {
	Digest   int
	Schema   int
	Metadata int
	Data     int
}

func DefaultCacheCapacities() CacheCapacities {
	return CacheCapacities{Digest: 64, Schema: 64, Metadata: 64, Data: 64}
}

// StorageLayout resolves every on-disk path under one root directory,
// grounded on the reference agent's StorageLayout.
type StorageLayout struct {
	Root string
}

func (l StorageLayout) AuthDir() string          { return filepath.Join(l.Root, "auth") }
func (l StorageLayout) PrivateKeyFile() string   { return filepath.Join(l.AuthDir(), "private_key.pem") }
func (l StorageLayout) TokenFile() string        { return filepath.Join(l.AuthDir(), "token.json") }
func (l StorageLayout) DeviceFile() string       { return filepath.Join(l.Root, "device.json") }
func (l StorageLayout) DigestCacheDir() string   { return filepath.Join(l.Root, "cache", "config_schema_digests") }
func (l StorageLayout) SchemaCacheDir() string   { return filepath.Join(l.Root, "cache", "config_schemas") }
func (l StorageLayout) MetadataCacheDir() string { return filepath.Join(l.Root, "cache", "config_instances") }
func (l StorageLayout) DataCacheDir() string     { return filepath.Join(l.Root, "cache", "config_instance_data") }
func (l StorageLayout) DeploymentDir() string    { return filepath.Join(l.Root, "deployments") }
func (l StorageLayout) AuditDir() string         { return l.Root }
func (l StorageLayout) SocketPath() string       { return filepath.Join(l.Root, "miru-agent.sock") }

// Options is every knob Init/Run need, with defaults matching the agent
// file's fallbacks (internal/config).
type Options struct {
	Lifecycle       LifecycleOptions
	Layout          StorageLayout
	CacheCapacities CacheCapacities
	FSMSettings     fsm.Settings
	TokenRefresh    worker.TokenRefreshOptions
	BackendSync     worker.BackendSyncOptions
	BackendBaseURL  string
	Version         string
	Commit          string
}

func DefaultOptions(root, backendBaseURL string) Options {
	return Options{
		Lifecycle:       DefaultLifecycleOptions(),
		Layout:          StorageLayout{Root: root},
		CacheCapacities: DefaultCacheCapacities(),
		FSMSettings:     fsm.DefaultSettings(),
		TokenRefresh:    worker.DefaultTokenRefreshOptions(),
		BackendSync:     worker.DefaultBackendSyncOptions(),
		BackendBaseURL:  backendBaseURL,
	}
}
