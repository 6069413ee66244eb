package security

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewKeyStore(dir)
	require.False(t, store.Exists())

	key, err := store.GenerateAndSave()
	require.NoError(t, err)
	require.True(t, store.Exists())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, key.N, loaded.N)
}

func TestPrivateKeyFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix file modes only")
	}
	dir := t.TempDir()
	store := NewKeyStore(dir)
	_, err := store.GenerateAndSave()
	require.NoError(t, err)

	info, err := os.Stat(store.privateKeyPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pubInfo, err := os.Stat(store.publicKeyPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), pubInfo.Mode().Perm())
}

func TestLoadOrGenerateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := NewKeyStore(dir)

	first, err := store.LoadOrGenerate()
	require.NoError(t, err)
	second, err := store.LoadOrGenerate()
	require.NoError(t, err)
	require.Equal(t, first.N, second.N)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store := NewKeyStore(dir)
	_, err := store.Load()
	require.Error(t, err)
}
