package cli

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/raggate/raggate/internal/config"
	"github.com/raggate/raggate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag,
// the RAGGATE_DATA_DIR env var, or ~/.raggate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("RAGGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.raggate"
}

// openStore opens the SQLite token store in the resolved data directory.
func openStore() (*store.Store, error) {
	return store.NewStore(resolveDataDir(), nil)
}

// loadConfig reads the YAML config file when one is present and falls back
// to defaults otherwise.
func loadConfig() *config.Config {
	path := viper.ConfigFileUsed()
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default()
	}
	return cfg
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
