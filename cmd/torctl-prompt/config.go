package main

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// promptConfig is the prompt's optional config file, read from
// <user config dir>/torctl/config.toml. Command line flags override it.
type promptConfig struct {
	Address     string `toml:"address"`
	Port        int    `toml:"port"`
	Socket      string `toml:"socket"`
	Password    string `toml:"password"`
	TorPath     string `toml:"tor_path"`
	HistoryFile string `toml:"history_file"`
}

func loadConfig() (promptConfig, error) {
	cfg := promptConfig{
		Address: "127.0.0.1",
		Port:    9051,
	}

	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, ".torctl_history")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return cfg, nil
	}

	path := filepath.Join(configDir, "torctl", "config.toml")

	if _, err := os.Stat(path); err != nil {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
