package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/fsm"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/syncer"
	"github.com/cuemby/miru-agent/internal/types"
	"github.com/stretchr/testify/require"
)

func newMetadataCache(t *testing.T) *cache.Cache[string, types.ConfigInstance] {
	t.Helper()
	backing := cache.NewDirBacking[string, types.ConfigInstance](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, types.ConfigInstance](backing, 32)
	t.Cleanup(c.Shutdown)
	return c
}

func newDataCache(t *testing.T) *cache.Cache[string, json.RawMessage] {
	t.Helper()
	backing := cache.NewDirBacking[string, json.RawMessage](t.TempDir(), func(k string) string { return k })
	c := cache.Spawn[string, json.RawMessage](backing, 32)
	t.Cleanup(c.Shutdown)
	return c
}

func TestBackendSyncWorker_SyncsOnceThenShutsDown(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(httpclient.ConfigInstancePage{})
	}))
	defer server.Close()

	client := httpclient.New(server.URL, func() string { return "tok" })
	s := syncer.Spawn(syncer.Config{
		Client:          client,
		MetadataCache:   newMetadataCache(t),
		DataCache:       newDataCache(t),
		DeploymentDir:   t.TempDir(),
		FSMSettings:     fsm.DefaultSettings(),
		CooldownOptions: syncer.DefaultCooldownOptions(),
	})
	defer s.Shutdown()

	w := NewBackendSyncWorker(BackendSyncOptions{
		SyncCooldown: syncer.CooldownOptions{BaseSecs: 0, Growth: 2, MaxSecs: 60},
		PollInterval: time.Hour,
	}, s)
	w.sleep = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}

	shutdown := make(chan struct{})
	go w.Run(context.Background(), shutdown)

	require.Eventually(t, func() bool { return calls >= 1 }, time.Second, 5*time.Millisecond)

	close(shutdown)
	<-w.Done()
}

func TestNextCooldown_GrowsAndSaturates(t *testing.T) {
	require.Equal(t, uint(20), nextCooldown(10, 2, 1000))
	require.Equal(t, uint(1000), nextCooldown(900, 2, 1000))
}
