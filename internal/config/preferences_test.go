package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "preferences.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yml")
	want := Default()
	want.AllowLan = false
	want.BlockWhenDisconnected = true
	want.Interface = "tun-test"

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PreferencesFile)
	require.NoError(t, Save(path, Default()))

	reloaded := make(chan Preferences, 1)
	w, err := NewWatcher(path, func(_ context.Context, p Preferences) {
		reloaded <- p
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(20 * time.Millisecond) // let the watcher subscribe before we write

	updated := Default()
	updated.AllowLan = false
	require.NoError(t, Save(path, updated))

	select {
	case p := <-reloaded:
		assert.False(t, p.AllowLan)
	case <-time.After(2 * time.Second):
		t.Fatal("preferences reload did not fire")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
