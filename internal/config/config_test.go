package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/log"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	agent := Agent{
		DeviceID:       "dev-1",
		Name:           "test-device",
		Activated:      true,
		BackendBaseURL: "https://backend.example.com",
		LogLevel:       log.InfoLevel,
	}
	require.NoError(t, Save(dir, agent))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, agent, loaded)
}

func TestRoot_RespectsEnvOverride(t *testing.T) {
	t.Setenv("MIRU_ROOT", "/tmp/custom-root")
	require.Equal(t, "/tmp/custom-root", Root())
}

func TestRoot_DefaultsWhenUnset(t *testing.T) {
	t.Setenv("MIRU_ROOT", "")
	require.Equal(t, defaultRoot, Root())
}

func TestDurationDefaults(t *testing.T) {
	agent := Agent{}
	require.Equal(t, 15*time.Minute, agent.MaxRuntimeDuration())
	require.Equal(t, 5*time.Minute, agent.IdleTimeoutDuration())
	require.Equal(t, 30*time.Second, agent.MaxShutdownWaitDuration())
}

func TestDurationParsesOverride(t *testing.T) {
	agent := Agent{MaxRuntime: "1h", IdleTimeout: "90s", MaxShutdownWait: "5s"}
	require.Equal(t, time.Hour, agent.MaxRuntimeDuration())
	require.Equal(t, 90*time.Second, agent.IdleTimeoutDuration())
	require.Equal(t, 5*time.Second, agent.MaxShutdownWaitDuration())
}

func TestPath(t *testing.T) {
	require.Equal(t, filepath.Join("/var/lib/miru", "agent.json"), Path("/var/lib/miru"))
}
