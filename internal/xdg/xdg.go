// ABOUTME: XDG base directories for the relay's config, data, and cache files
// ABOUTME: Wraps adrg/xdg and expands ~ and $XDG_* prefixes in configured paths

package xdg

import (
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const appName = "mcp-relay"

// adrg/xdg snapshots the environment when loaded; refresh so later changes are seen.
func refresh() {
	xdg.Reload()
}

// ConfigHome returns $XDG_CONFIG_HOME/mcp-relay.
func ConfigHome() string {
	refresh()
	return filepath.Join(xdg.ConfigHome, appName)
}

// DataHome returns $XDG_DATA_HOME/mcp-relay.
func DataHome() string {
	refresh()
	return filepath.Join(xdg.DataHome, appName)
}

// CacheHome returns $XDG_CACHE_HOME/mcp-relay.
func CacheHome() string {
	refresh()
	return filepath.Join(xdg.CacheHome, appName)
}

// DefaultConfigFile is where serve looks when --config is not given.
func DefaultConfigFile() string {
	return filepath.Join(ConfigHome(), "config.yaml")
}

// DefaultDatabasePath is the sqlite file used when database.path is empty.
func DefaultDatabasePath() string {
	return filepath.Join(DataHome(), "relay.db")
}

// ExpandPath expands a leading ~ or $XDG_DATA_HOME, $XDG_CONFIG_HOME, $XDG_CACHE_HOME.
// The XDG variables expand to the base directories, not the app subdirectory.
func ExpandPath(path string) string {
	refresh()

	if path == "~" {
		return xdg.Home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(xdg.Home, path[2:])
	}

	bases := []struct {
		prefix string
		dir    string
	}{
		{"$XDG_DATA_HOME", xdg.DataHome},
		{"$XDG_CONFIG_HOME", xdg.ConfigHome},
		{"$XDG_CACHE_HOME", xdg.CacheHome},
	}
	for _, b := range bases {
		if strings.HasPrefix(path, b.prefix) {
			return b.dir + strings.TrimPrefix(path, b.prefix)
		}
	}
	return path
}
