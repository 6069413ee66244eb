package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/config"
	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/security"
	"github.com/cuemby/miru-agent/internal/types"
	"github.com/stretchr/testify/require"
)

func TestStart_FailsWhenAgentFileMissing(t *testing.T) {
	_, err := Start(t.TempDir(), "test", "test")
	require.Error(t, err)
}

func TestStart_FailsWhenNotActivated(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, config.Save(root, config.Agent{DeviceID: "dvc_A", Activated: false}))

	_, err := Start(root, "test", "test")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not activated")
}

func TestStart_FailsWhenSigningKeyMissing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, config.Save(root, config.Agent{DeviceID: "dvc_A", Activated: true, BackendBaseURL: "http://example.invalid"}))

	_, err := Start(root, "test", "test")
	require.Error(t, err)
}

func backendStub() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "issue_token"):
			_ = json.NewEncoder(w).Encode(types.Token{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)})
		case strings.Contains(r.URL.Path, "config_instances"):
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
}

func TestRun_ShutsDownOnMaxRuntime(t *testing.T) {
	root := t.TempDir()
	backend := backendStub()
	defer backend.Close()

	_, err := security.NewKeyStore(filepath.Join(root, "auth")).GenerateAndSave()
	require.NoError(t, err)

	require.NoError(t, config.Save(root, config.Agent{
		DeviceID:       "dvc_A",
		Activated:      true,
		BackendBaseURL: backend.URL,
		LogLevel:       log.InfoLevel,
		MaxRuntime:     "30ms",
		IdleTimeout:    "1h",
	}))

	a, err := Start(root, "test", "test")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = a.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within the expected window")
	}

	var device types.Device
	require.NoError(t, fsys.ReadJSON(filepath.Join(root, "device.json"), &device))
	require.Equal(t, types.DeviceOffline, device.Status)
}
