package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/miru-agent/internal/events"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestRefreshToken_PersistsAndBroadcasts(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-1",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	client := httpclient.New(server.URL, nil)
	key := genKey(t)
	tokenFile := filepath.Join(t.TempDir(), "token.json")
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	mgr := Spawn("dev-1", client, key, tokenFile, 5*time.Minute, broker)
	defer mgr.Shutdown()

	require.NoError(t, mgr.RefreshToken(context.Background()))
	require.Equal(t, 1, calls)

	token, err := mgr.GetToken()
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.Token)

	select {
	case evt := <-sub:
		require.Equal(t, "dev-1", evt.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("expected a TokenRefreshed broadcast")
	}
}

func TestRefreshToken_CooldownShortCircuits(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-1",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	client := httpclient.New(server.URL, nil)
	key := genKey(t)
	tokenFile := filepath.Join(t.TempDir(), "token.json")

	mgr := Spawn("dev-1", client, key, tokenFile, time.Hour, nil)
	defer mgr.Shutdown()

	require.NoError(t, mgr.RefreshToken(context.Background()))
	require.NoError(t, mgr.RefreshToken(context.Background()))
	require.Equal(t, 1, calls)
}

func TestGetToken_SeedsFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.json")
	require.NoError(t, writeSeedToken(tokenFile))

	client := httpclient.New("http://unused.invalid", nil)
	key := genKey(t)
	mgr := Spawn("dev-1", client, key, tokenFile, time.Hour, nil)
	defer mgr.Shutdown()

	token, err := mgr.GetToken()
	require.NoError(t, err)
	require.Equal(t, "seeded-token", token.Token)
}

func writeSeedToken(path string) error {
	data, err := json.Marshal(map[string]any{
		"token":      "seeded-token",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
