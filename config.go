package btthermo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCharacteristicUUID = "ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6"
	defaultWantDevices        = 2
	defaultDiscoveryTimeout   = 30 * time.Second
	defaultConnectTimeout     = 30 * time.Second
	defaultSettleDelay        = time.Second
	defaultBackoffDelay       = 5 * time.Second
	defaultLogDir             = "logs"
)

var defaultNameKeywords = []string{"LYWSD03MMC", "MJ_HT_V1", "Xiaomi"}

// Config holds the complete collector configuration. It is constructed once
// at startup (DefaultConfig, LoadConfig or by hand), validated, and then
// passed by value into the components; nothing mutates it afterwards
type Config struct {
	Addresses          []string          // hardware address allowlist
	NameKeywords       []string          // advertised-name substrings to match
	DisplayNames       map[string]string // hardware address -> display name
	CharacteristicUUID string            // notification characteristic of the sensor protocol
	WantDevices        int               // number of devices to collect from
	DiscoveryTimeout   time.Duration     // upper bound for the initial scan
	ConnectTimeout     time.Duration     // upper bound for one link-level connect
	SettleDelay        time.Duration     // wait after connect before enumerating services
	BackoffDelay       time.Duration     // fixed delay between reconnect attempts
	LogDir             string            // directory holding the per-device log files
}

// DefaultConfig returns the stock configuration: no address allowlist, the
// well-known advertised-name keywords and notification characteristic of the
// supported sensor family, and the timing of the reference deployment
func DefaultConfig() Config {
	return Config{
		NameKeywords:       append([]string(nil), defaultNameKeywords...),
		DisplayNames:       map[string]string{},
		CharacteristicUUID: defaultCharacteristicUUID,
		WantDevices:        defaultWantDevices,
		DiscoveryTimeout:   defaultDiscoveryTimeout,
		ConnectTimeout:     defaultConnectTimeout,
		SettleDelay:        defaultSettleDelay,
		BackoffDelay:       defaultBackoffDelay,
		LogDir:             defaultLogDir,
	}
}

// rawConfig is the YAML wire form of Config (durations as strings, pointers
// where absence and zero must be distinguished)
type rawConfig struct {
	Addresses          []string          `yaml:"addresses"`
	NameKeywords       []string          `yaml:"name_keywords"`
	DisplayNames       map[string]string `yaml:"display_names"`
	CharacteristicUUID string            `yaml:"characteristic_uuid"`
	WantDevices        *int              `yaml:"want_devices"`
	DiscoveryTimeout   string            `yaml:"discovery_timeout"`
	ConnectTimeout     string            `yaml:"connect_timeout"`
	SettleDelay        string            `yaml:"settle_delay"`
	BackoffDelay       string            `yaml:"backoff_delay"`
	LogDir             string            `yaml:"log_dir"`
}

// LoadConfig reads a YAML configuration file, overlays it onto the default
// configuration and validates the result. Keys absent from the file keep
// their defaults. Example file:
//
//	addresses:
//	  - A4:C1:38:DD:AC:A7
//	  - A4:C1:38:B9:74:3C
//	display_names:
//	  A4:C1:38:B9:74:3C: Lab inside
//	  A4:C1:38:DD:AC:A7: Lab outside
//	want_devices: 2
//	discovery_timeout: 30s
//	log_dir: logs
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse configuration file `%s`: %w", path, err)
	}

	cfg := DefaultConfig()
	if raw.Addresses != nil {
		cfg.Addresses = raw.Addresses
	}
	if raw.NameKeywords != nil {
		cfg.NameKeywords = raw.NameKeywords
	}
	if raw.DisplayNames != nil {
		cfg.DisplayNames = raw.DisplayNames
	}
	if raw.CharacteristicUUID != "" {
		cfg.CharacteristicUUID = raw.CharacteristicUUID
	}
	if raw.WantDevices != nil {
		cfg.WantDevices = *raw.WantDevices
	}
	if raw.LogDir != "" {
		cfg.LogDir = raw.LogDir
	}

	for _, d := range []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"discovery_timeout", raw.DiscoveryTimeout, &cfg.DiscoveryTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"settle_delay", raw.SettleDelay, &cfg.SettleDelay},
		{"backoff_delay", raw.BackoffDelay, &cfg.BackoffDelay},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s in configuration file `%s`: %w", d.key, path, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration file `%s`: %w", path, err)
	}

	return cfg, nil
}

// Validate normalizes the configuration in place (canonical addresses and
// characteristic UUID) and checks it for consistency. It must succeed before
// the configuration is handed to any component; New calls it
func (c *Config) Validate() error {
	if c.WantDevices <= 0 {
		return fmt.Errorf("want_devices must be positive (have %d)", c.WantDevices)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"discovery_timeout", c.DiscoveryTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"backoff_delay", c.BackoffDelay},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive (have %s)", d.key, d.val)
		}
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative (have %s)", c.SettleDelay)
	}
	if c.LogDir == "" {
		return errors.New("log_dir must not be empty")
	}
	if c.CharacteristicUUID == "" {
		return errors.New("characteristic_uuid must not be empty")
	}
	c.CharacteristicUUID = NormalizeUUID(c.CharacteristicUUID)

	if len(c.Addresses) == 0 && len(c.NameKeywords) == 0 {
		return errors.New("no match rule configured (need addresses and / or name_keywords)")
	}

	addrs := make([]string, 0, len(c.Addresses))
	seen := make(map[string]struct{}, len(c.Addresses))
	for _, addr := range c.Addresses {
		if _, err := net.ParseMAC(addr); err != nil {
			return fmt.Errorf("invalid hardware address `%s`: %w", addr, err)
		}
		norm := NormalizeAddr(addr)
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		addrs = append(addrs, norm)
	}
	c.Addresses = addrs

	names := make(map[string]string, len(c.DisplayNames))
	files := make(map[string]string, len(c.DisplayNames))
	for addr, name := range c.DisplayNames {
		if _, err := net.ParseMAC(addr); err != nil {
			return fmt.Errorf("invalid hardware address `%s` in display_names: %w", addr, err)
		}
		if name == "" {
			return fmt.Errorf("empty display name for `%s`", addr)
		}
		norm := NormalizeAddr(addr)
		file := strings.ReplaceAll(name, " ", "_")
		if other, ok := files[file]; ok && other != norm {
			return fmt.Errorf("display names for `%s` and `%s` map to the same log file", other, norm)
		}
		files[file] = norm
		names[norm] = name
	}
	c.DisplayNames = names

	return nil
}

// MatchTarget applies the discovery match predicate: the (normalized) address
// is a member of the allowlist, or the advertised name contains one of the
// configured keywords
func (c Config) MatchTarget(name, addr string) bool {
	for _, a := range c.Addresses {
		if a == addr {
			return true
		}
	}
	if name == "" {
		return false
	}
	for _, kw := range c.NameKeywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// DisplayName resolves the display name for a (normalized) hardware address,
// falling back to the address itself if no mapping is configured
func (c Config) DisplayName(addr string) string {
	if name, ok := c.DisplayNames[addr]; ok {
		return name
	}
	return addr
}
