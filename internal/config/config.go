// Package config loads the on-disk configuration shared by every account:
// the relay set, Blossom servers, and the root of the per-account file
// layout. It follows the load-defaults-then-overlay-toml pattern used
// throughout the example pack.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the process-wide configuration. Per-account state (keys, chats,
// attachments) lives under DataDir/<npub>/, never in this struct.
type Config struct {
	Relays         []string `toml:"relays"`
	BlossomServers []string `toml:"blossom_servers"`
	DataDir        string   `toml:"data_dir"`
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		BlossomServers: []string{
			"https://blossom.primal.net",
		},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vectorcore"
	}
	return filepath.Join(home, ".local", "share", "vectorcore")
}

// Path resolves the config file location: an explicit flag wins, then
// VECTORCORE_CONFIG, then the XDG-style default.
func Path(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("VECTORCORE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "vectorcore", "config.toml")
}

// Load reads the config file at flagPath (or the resolved default path),
// overlaying it onto defaults. A missing file is not an error.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := Path(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	if len(cfg.Relays) == 0 {
		cfg.Relays = defaultConfig().Relays
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	return cfg, nil
}

// AccountDir returns the per-account root, keyed by npub, per the external
// file layout ("<app-data>/<npub>/").
func (c Config) AccountDir(npub string) string {
	return filepath.Join(c.DataDir, npub)
}
