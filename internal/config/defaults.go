package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "leetbuddy"

func home() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

// DataDir returns where the store lives. LEETBUDDY_DATA_DIR overrides it.
//
//   - macOS:   ~/Library/Application Support/leetbuddy
//   - Linux:   $XDG_DATA_HOME/leetbuddy or ~/.local/share/leetbuddy
//   - Windows: %APPDATA%\leetbuddy
func DataDir() string {
	if dir := os.Getenv("LEETBUDDY_DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home(), "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home(), "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home(), ".local", "share", appName)
	}
}

// ConfigDir returns where config.toml is looked up.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return DataDir()
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home(), ".config", appName)
	}
}

// LogDir returns the default log directory.
func LogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home(), "Library", "Logs", appName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "logs")
		}
		return filepath.Join(DataDir(), "logs")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home(), ".local", "state", appName)
	}
}

// RuntimeDir returns the per-user directory for the socket.
func RuntimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" && runtime.GOOS == "linux" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

// DefaultSocketPath returns the daemon socket path.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), "leetbuddyd.sock")
}

// FindConfigFile returns the first existing config file in the config dir,
// or the default path.
func FindConfigFile() string {
	for _, name := range []string{"config.toml", "config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(ConfigDir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ConfigPath()
}
