package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/syncer"
	"github.com/cuemby/miru-agent/internal/types"
	"github.com/stretchr/testify/require"
)

func newDigestCache(t *testing.T) *cache.Cache[string, types.DigestPair] {
	t.Helper()
	backing := cache.NewDirBacking[string, types.DigestPair](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, types.DigestPair](backing, 16)
	t.Cleanup(c.Shutdown)
	return c
}

func newSchemaCache(t *testing.T) *cache.Cache[string, types.ConfigSchema] {
	t.Helper()
	backing := cache.NewDirBacking[string, types.ConfigSchema](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, types.ConfigSchema](backing, 16)
	t.Cleanup(c.Shutdown)
	return c
}

func newMetadataCache(t *testing.T) *cache.Cache[string, types.ConfigInstance] {
	t.Helper()
	backing := cache.NewDirBacking[string, types.ConfigInstance](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, types.ConfigInstance](backing, 16)
	t.Cleanup(c.Shutdown)
	return c
}

func newDataCache(t *testing.T) *cache.Cache[string, json.RawMessage] {
	t.Helper()
	backing := cache.NewDirBacking[string, json.RawMessage](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, json.RawMessage](backing, 16)
	t.Cleanup(c.Shutdown)
	return c
}

func newTestServer(t *testing.T, backend *httptest.Server) (string, Config) {
	t.Helper()
	client := httpclient.New(backend.URL, func() string { return "tok" })
	metadataCache := newMetadataCache(t)
	dataCache := newDataCache(t)
	s := syncer.Spawn(syncer.Config{
		Client:          client,
		MetadataCache:   metadataCache,
		DataCache:       dataCache,
		DeploymentDir:   t.TempDir(),
		FSMSettings:     fsm.DefaultSettings(),
		CooldownOptions: syncer.DefaultCooldownOptions(),
	})
	t.Cleanup(s.Shutdown)

	cfg := Config{
		SocketPath:    filepath.Join(t.TempDir(), "miru.sock"),
		Version:       "1.2.3",
		Commit:        "abc123",
		Client:        client,
		DigestCache:   newDigestCache(t),
		SchemaCache:   newSchemaCache(t),
		MetadataCache: metadataCache,
		DataCache:     dataCache,
		Syncer:        s,
	}
	return cfg.SocketPath, cfg
}

func dialAndDo(t *testing.T, socketPath, method, path string, body []byte) *http.Response {
	t.Helper()
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
	req, err := http.NewRequest(method, "http://unix"+path, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_TestRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	socketPath, cfg := newTestServer(t, backend)
	s := New(cfg)
	shutdown := make(chan struct{})
	go func() { _ = s.Serve(shutdown) }()
	waitForSocket(t, socketPath)
	defer close(shutdown)

	resp := dialAndDo(t, socketPath, http.MethodGet, "/v1/test", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_VersionRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	socketPath, cfg := newTestServer(t, backend)
	s := New(cfg)
	shutdown := make(chan struct{})
	go func() { _ = s.Serve(shutdown) }()
	waitForSocket(t, socketPath)
	defer close(shutdown)

	resp := dialAndDo(t, socketPath, http.MethodGet, "/v1/version", nil)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "1.2.3", body["version"])
}

func TestServer_HashSerialized_CachesSecondRequest(t *testing.T) {
	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]string{"digest": "sha256:resolved"})
	}))
	defer backend.Close()

	socketPath, cfg := newTestServer(t, backend)
	s := New(cfg)
	shutdown := make(chan struct{})
	go func() { _ = s.Serve(shutdown) }()
	waitForSocket(t, socketPath)
	defer close(shutdown)

	body, _ := json.Marshal(map[string]any{"schema": []byte(`{"type":"object"}`), "format": "json"})

	resp1 := dialAndDo(t, socketPath, http.MethodPost, "/v1/config_schemas/hash/serialized", body)
	defer resp1.Body.Close()
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	resp2 := dialAndDo(t, socketPath, http.MethodPost, "/v1/config_schemas/hash/serialized", body)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	require.Equal(t, 1, calls)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
