package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	defaultThumbnailWidth  = 256
	defaultThumbnailHeight = 256
	defaultKeyBits         = 2048

	// defaultCacheMultiplier is the number of bytes of decrypted-image
	// cache allowed per KiB of physical RAM. Inherited behavior: 5 KiB of
	// cache per MiB of RAM.
	defaultCacheMultiplier = 5

	defaultPixmapCacheSize = 512
)

// KeyConfig contains settings for the key store.
type KeyConfig struct {
	Dir  string
	Bits int
}

// CacheConfig contains settings for the decrypted-bytes cache and the
// pixmap cache handed to the gallery.
type CacheConfig struct {
	// Multiplier is the number of cache bytes allowed per KiB of RAM.
	Multiplier int
	// MaxDecryptedBytes, when non-zero, overrides the RAM-derived budget.
	MaxDecryptedBytes uint64
	// PixmapCacheSize bounds the thumbnail pixmap cache, in entries.
	PixmapCacheSize int
}

// BudgetString returns a human-readable form of the decrypted-bytes budget.
func (c CacheConfig) BudgetString(budget uint64) string {
	return fmt.Sprintf("[Budget: %s, Multiplier: %d]",
		humanize.IBytes(budget), c.Multiplier)
}

// Config contains all settings for a vault Engine.
type Config struct {
	VaultDir        string
	LogLevel        uint32
	LogSilent       bool
	ThumbnailWidth  int
	ThumbnailHeight int
	Key             KeyConfig
	Cache           CacheConfig
}

// NewDefaultConfig creates a Config with default settings: the vault in
// ~/Documents/FoilPics and the key in ~/.local/share/foil.
func NewDefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		VaultDir:        filepath.Join(home, "Documents", "FoilPics"),
		LogLevel:        uint32(log.InfoLevel),
		ThumbnailWidth:  defaultThumbnailWidth,
		ThumbnailHeight: defaultThumbnailHeight,
		Key: KeyConfig{
			Dir:  filepath.Join(home, ".local", "share", "foil"),
			Bits: defaultKeyBits,
		},
		Cache: CacheConfig{
			Multiplier:      defaultCacheMultiplier,
			PixmapCacheSize: defaultPixmapCacheSize,
		},
	}
}

var knownSettings = map[string]struct{}{
	"vault.dir":        {},
	"log.level":        {},
	"log.silent":       {},
	"thumbnail.width":  {},
	"thumbnail.height": {},
	"key.dir":          {},
	"key.bits":         {},
	"cache.multiplier": {},
	"cache.maxbytes":   {},
	"cache.pixmaps":    {},
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file.
func NewConfig(configFile string) (*Config, error) {
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	for _, key := range v.AllKeys() {
		if _, ok := knownSettings[key]; !ok {
			return nil, fmt.Errorf("Unknown setting %q", key)
		}
	}

	if v.IsSet("vault.dir") {
		config.VaultDir = v.GetString("vault.dir")
	}
	if v.IsSet("log.level") {
		level, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}
	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}
	if v.IsSet("thumbnail.width") {
		config.ThumbnailWidth = v.GetInt("thumbnail.width")
	}
	if v.IsSet("thumbnail.height") {
		config.ThumbnailHeight = v.GetInt("thumbnail.height")
	}
	if v.IsSet("key.dir") {
		config.Key.Dir = v.GetString("key.dir")
	}
	if v.IsSet("key.bits") {
		config.Key.Bits = v.GetInt("key.bits")
	}
	if v.IsSet("cache.multiplier") {
		config.Cache.Multiplier = v.GetInt("cache.multiplier")
	}
	if v.IsSet("cache.maxbytes") {
		config.Cache.MaxDecryptedBytes = v.GetUint64("cache.maxbytes")
	}
	if v.IsSet("cache.pixmaps") {
		config.Cache.PixmapCacheSize = v.GetInt("cache.pixmaps")
	}
	return config, nil
}
