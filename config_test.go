package btthermo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.Addresses)
	assert.Contains(t, cfg.NameKeywords, "LYWSD03MMC")
	assert.Equal(t, "ebe0ccc17a0a4b0c8a1a6ff2997da3a6", cfg.CharacteristicUUID)
	assert.Equal(t, 2, cfg.WantDevices)
	assert.Equal(t, 30*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.SettleDelay)
	assert.Equal(t, 5*time.Second, cfg.BackoffDelay)
	assert.Equal(t, "logs", cfg.LogDir)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
addresses:
  - a4-c1-38-dd-ac-a7
  - A4:C1:38:B9:74:3C
display_names:
  A4:C1:38:B9:74:3C: Lab inside
  a4-c1-38-dd-ac-a7: Lab outside
want_devices: 1
discovery_timeout: 45s
settle_delay: 500ms
log_dir: /var/log/sensors
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Addresses and display name keys come back normalized
	assert.Equal(t, []string{"A4:C1:38:DD:AC:A7", "A4:C1:38:B9:74:3C"}, cfg.Addresses)
	assert.Equal(t, map[string]string{
		"A4:C1:38:B9:74:3C": "Lab inside",
		"A4:C1:38:DD:AC:A7": "Lab outside",
	}, cfg.DisplayNames)

	assert.Equal(t, 1, cfg.WantDevices)
	assert.Equal(t, 45*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, "/var/log/sensors", cfg.LogDir)

	// Keys absent from the file keep their defaults
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.BackoffDelay)
	assert.Contains(t, cfg.NameKeywords, "LYWSD03MMC")
}

func TestLoadConfigEmptyFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfigFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WantDevices)
}

func TestLoadConfigFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"unknown key", "wantdevices: 3\n"},
		{"malformed yaml", "addresses: [\n"},
		{"bad duration", "discovery_timeout: fast\n"},
		{"bad address", "addresses:\n  - not-a-mac\n"},
		{"zero devices", "want_devices: 0\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(writeConfigFile(t, c.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"zero devices", func(cfg *Config) { cfg.WantDevices = 0 }},
		{"negative devices", func(cfg *Config) { cfg.WantDevices = -3 }},
		{"zero discovery timeout", func(cfg *Config) { cfg.DiscoveryTimeout = 0 }},
		{"negative connect timeout", func(cfg *Config) { cfg.ConnectTimeout = -time.Second }},
		{"zero backoff", func(cfg *Config) { cfg.BackoffDelay = 0 }},
		{"negative settle delay", func(cfg *Config) { cfg.SettleDelay = -time.Second }},
		{"empty log dir", func(cfg *Config) { cfg.LogDir = "" }},
		{"empty characteristic", func(cfg *Config) { cfg.CharacteristicUUID = "" }},
		{"no match rule", func(cfg *Config) { cfg.Addresses = nil; cfg.NameKeywords = nil }},
		{"bad address", func(cfg *Config) { cfg.Addresses = []string{"zz:zz"} }},
		{"bad display name key", func(cfg *Config) { cfg.DisplayNames = map[string]string{"nope": "Lab"} }},
		{"empty display name", func(cfg *Config) { cfg.DisplayNames = map[string]string{"A4:C1:38:DD:AC:A7": ""} }},
		{"colliding log files", func(cfg *Config) {
			cfg.DisplayNames = map[string]string{
				"A4:C1:38:DD:AC:A7": "Lab inside",
				"A4:C1:38:B9:74:3C": "Lab_inside",
			}
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			c.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigValidateNormalizes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CharacteristicUUID = "EBE0CCC1-7A0A-4B0C-8A1A-6FF2997DA3A6"
	cfg.Addresses = []string{"a4-c1-38-dd-ac-a7", "A4:C1:38:DD:AC:A7", "A4:C1:38:B9:74:3C"}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ebe0ccc17a0a4b0c8a1a6ff2997da3a6", cfg.CharacteristicUUID)

	// Equivalent spellings collapse into one entry, first-seen order is kept
	assert.Equal(t, []string{"A4:C1:38:DD:AC:A7", "A4:C1:38:B9:74:3C"}, cfg.Addresses)
}

func TestConfigMatchTarget(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Addresses = []string{"A4:C1:38:DD:AC:A7"}
	require.NoError(t, cfg.Validate())

	cases := []struct {
		name string
		addr string
		want bool
	}{
		{"LYWSD03MMC", "11:22:33:44:55:66", true},
		{"ATC_LYWSD03MMC", "11:22:33:44:55:66", true},
		{"MJ_HT_V1", "11:22:33:44:55:66", true},
		{"Xiaomi Thermometer", "11:22:33:44:55:66", true},
		{"", "A4:C1:38:DD:AC:A7", true},
		{"SomeHeadphones", "A4:C1:38:DD:AC:A7", true},
		{"SomeHeadphones", "11:22:33:44:55:66", false},
		{"", "11:22:33:44:55:66", false},
		{"lywsd03mmc", "11:22:33:44:55:66", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, cfg.MatchTarget(c.name, c.addr), "name %q addr %s", c.name, c.addr)
	}
}

func TestConfigDisplayName(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DisplayNames = map[string]string{"A4:C1:38:DD:AC:A7": "Lab outside"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "Lab outside", cfg.DisplayName("A4:C1:38:DD:AC:A7"))
	assert.Equal(t, "A4:C1:38:B9:74:3C", cfg.DisplayName("A4:C1:38:B9:74:3C"))
}
