package vault

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Ensure NewConfig properly parses config files.
func TestNewConfigFromFile(t *testing.T) {
	config, err := NewConfig("configs/full.yaml")
	require.NoError(t, err)

	require.Equal(t, "/foo/pics", config.VaultDir)
	require.Equal(t, uint32(log.DebugLevel), config.LogLevel)
	require.True(t, config.LogSilent)
	require.Equal(t, 128, config.ThumbnailWidth)
	require.Equal(t, 96, config.ThumbnailHeight)
	require.Equal(t, "/foo/keys", config.Key.Dir)
	require.Equal(t, 4096, config.Key.Bits)
	require.Equal(t, 10, config.Cache.Multiplier)
	require.Equal(t, uint64(1048576), config.Cache.MaxDecryptedBytes)
	require.Equal(t, 64, config.Cache.PixmapCacheSize)
}

func TestNewConfigDefault(t *testing.T) {
	config, err := NewConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultThumbnailWidth, config.ThumbnailWidth)
	require.Equal(t, defaultThumbnailHeight, config.ThumbnailHeight)
	require.Equal(t, defaultKeyBits, config.Key.Bits)
	require.Equal(t, defaultCacheMultiplier, config.Cache.Multiplier)
	require.Equal(t, uint64(0), config.Cache.MaxDecryptedBytes)
	require.NotEmpty(t, config.VaultDir)
	require.NotEmpty(t, config.Key.Dir)
}

func TestNewConfigFileNotFound(t *testing.T) {
	_, err := NewConfig("configs/no-such-file.yaml")
	require.Error(t, err)
}

func TestNewConfigUnknownSetting(t *testing.T) {
	_, err := NewConfig("configs/unknown.yaml")
	require.Error(t, err)
}

func TestGetLogLevel(t *testing.T) {
	level, err := GetLogLevel("debug")
	require.NoError(t, err)
	require.Equal(t, uint32(log.DebugLevel), level)
	level, err = GetLogLevel("INFO")
	require.NoError(t, err)
	require.Equal(t, uint32(log.InfoLevel), level)

	_, err = GetLogLevel("bogus")
	require.Error(t, err)
}
