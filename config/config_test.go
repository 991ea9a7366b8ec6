package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewEmptyConfig("unused.json")

	assert.Equal(t, "/ip4/0.0.0.0/tcp/0", cfg.Network.ListenAddress)
	assert.Equal(t, time.Second, cfg.Liveness.Interval.Std())
	assert.Equal(t, 5*time.Second, cfg.Liveness.Timeout.Std())
	assert.Equal(t, uint(1), cfg.Liveness.Threshold)
	assert.Equal(t, 5*time.Second, cfg.Network.IdleTimeout.Std())

	// No key yet
	assert.Error(t, cfg.Validate())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(path)
	key, err := GenerateKey()
	require.NoError(t, err)
	cfg.Node.PrivKey = key
	cfg.Liveness.Interval = Duration(250 * time.Millisecond)
	cfg.API.ListenAddress = "127.0.0.1:8090"
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := NewConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, loaded.Liveness.Interval.Std())
	assert.Equal(t, "127.0.0.1:8090", loaded.API.ListenAddress)
	assert.True(t, loaded.Node.PrivKey.Valid())
	assert.Equal(t, key.PrivateKey, loaded.Node.PrivKey.PrivateKey)

	want, err := key.NodeID()
	require.NoError(t, err)
	got, err := loaded.Node.PrivKey.NodeID()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"liveness": {"interval": "soon"}}`), 0600))

	_, err := NewConfigFromFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := NewEmptyConfig("")
	key, err := GenerateKey()
	require.NoError(t, err)
	cfg.Node.PrivKey = key
	require.NoError(t, cfg.Validate())

	cfg.Liveness.Threshold = 0
	cfg.Network.AnnounceJitter = cfg.Network.AnnounceInterval
	err = cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "liveness.threshold")
	assert.Contains(t, err.Error(), "announce_jitter")
}

func TestValidateIdleTimeout(t *testing.T) {
	cfg := NewEmptyConfig("")
	key, err := GenerateKey()
	require.NoError(t, err)
	cfg.Node.PrivKey = key

	cfg.Network.IdleTimeout = cfg.Liveness.Interval
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network.idle_timeout")

	cfg.Network.IdleTimeout = Duration(500 * time.Millisecond)
	assert.Error(t, cfg.Validate())

	// Zero disables the idle timeout
	cfg.Network.IdleTimeout = 0
	assert.NoError(t, cfg.Validate())

	cfg.Network.IdleTimeout = Duration(2 * time.Second)
	assert.NoError(t, cfg.Validate())
}

func TestPrivKeyRejectsWrongSize(t *testing.T) {
	var k PrivKey
	assert.ErrorIs(t, k.UnmarshalJSON([]byte(`"AAEC"`)), ErrInvalidKey)
	assert.NoError(t, k.UnmarshalJSON([]byte(`null`)))
	assert.False(t, k.Valid())
	_, err := k.NodeID()
	assert.ErrorIs(t, err, ErrInvalidKey)
}
