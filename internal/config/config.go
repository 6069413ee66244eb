// Package config loads the agent's single configuration file, agent.json,
// rooted under Root (default /var/lib/miru, overridable via MIRU_ROOT).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/log"
)

const defaultRoot = "/var/lib/miru"

// Agent is the on-disk shape of agent.json.
type Agent struct {
	DeviceID        string    `json:"device_id"`
	Name            string    `json:"name"`
	Activated       bool      `json:"activated"`
	BackendBaseURL  string    `json:"backend_base_url"`
	LogLevel        log.Level `json:"log_level"`
	SocketPath      string    `json:"socket_path,omitempty"`
	MaxRuntime      string    `json:"max_runtime,omitempty"`
	IdleTimeout     string    `json:"idle_timeout,omitempty"`
	MaxShutdownWait string    `json:"max_shutdown_wait,omitempty"`
}

// Root resolves the agent's data root directory: MIRU_ROOT if set, else
// defaultRoot.
func Root() string {
	if root := os.Getenv("MIRU_ROOT"); root != "" {
		return root
	}
	return defaultRoot
}

// Path returns root/agent.json.
func Path(root string) string {
	return filepath.Join(root, "agent.json")
}

// Load reads and parses agent.json from root.
func Load(root string) (Agent, error) {
	var agent Agent
	if err := fsys.ReadJSON(Path(root), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// Save persists agent atomically to root/agent.json.
func Save(root string, agent Agent) error {
	return fsys.WriteJSONAtomic(Path(root), agent, 0o644)
}

// MaxRuntimeDuration parses MaxRuntime, defaulting to 15 minutes if unset
// or unparseable.
func (a Agent) MaxRuntimeDuration() time.Duration {
	return parseDurationOr(a.MaxRuntime, 15*time.Minute)
}

// IdleTimeoutDuration parses IdleTimeout, defaulting to 5 minutes.
func (a Agent) IdleTimeoutDuration() time.Duration {
	return parseDurationOr(a.IdleTimeout, 5*time.Minute)
}

// MaxShutdownWaitDuration parses MaxShutdownWait, defaulting to 30 seconds.
func (a Agent) MaxShutdownWaitDuration() time.Duration {
	return parseDurationOr(a.MaxShutdownWait, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
