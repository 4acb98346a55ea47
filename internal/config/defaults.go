package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfig returns a Config populated with defaults, suitable as the
// base for parsing a user file over.
func DefaultConfig() *Config {
	dataDir := PlatformDataDir()
	return &Config{
		Version: Version,
		Input: InputConfig{
			Source: "stdin",
		},
		Engine: EngineConfig{
			WindowSize:            5,
			HighVelocityThreshold: 20000,
		},
		Stream: StreamConfig{
			SubscriberBuffer: 4096,
			ChainBuffer:      65536,
		},
		Anomaly: AnomalyConfig{
			Scorer:           "heuristic",
			BucketMs:         1000,
			HopMs:            500,
			Threshold:        0.7,
			ScorerDeadlineMs: 250,
			QueueDepth:       8,
		},
		Chain: ChainConfig{
			Storage:       "sqlite",
			Path:          filepath.Join(dataDir, "chain.db"),
			Hash:          "sha256",
			BusyTimeoutMs: 5000,
		},
		Receipt: ReceiptConfig{
			OutputDir: filepath.Join(dataDir, "receipts"),
		},
		Clip: ClipConfig{
			Enabled:   true,
			PreSec:    30,
			PostSec:   10,
			OutputDir: filepath.Join(dataDir, "clips"),
		},
		Context: ContextConfig{
			App:   "unknown",
			State: "unknown",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "stderr",
			FilePath: filepath.Join(PlatformLogDir(), "ghostd.log"),
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9321",
		},
	}
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ghostd/
//   - Linux:   ~/.local/share/ghostd/
//   - Windows: %APPDATA%\ghostd\
//
// Falls back to ~/.ghostd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home := homeDir()
		return filepath.Join(home, "Library", "Application Support", "ghostd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "ghostd")
		}
		return fallbackDataDir()
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "ghostd")
		}
		return filepath.Join(homeDir(), ".local", "share", "ghostd")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/ghostd/
//   - Linux:   ~/.config/ghostd/
//   - Windows: %APPDATA%\ghostd\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	case "linux":
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "ghostd")
		}
		return filepath.Join(homeDir(), ".config", "ghostd")
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/ghostd/
//   - Linux:   $XDG_STATE_HOME/ghostd/ or ~/.local/state/ghostd/
//   - Windows: %LOCALAPPDATA%\ghostd\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "ghostd")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "ghostd", "logs")
		}
		return filepath.Join(fallbackDataDir(), "logs")
	case "linux":
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return filepath.Join(stateHome, "ghostd")
		}
		return filepath.Join(homeDir(), ".local", "state", "ghostd")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "ghostd.toml")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func fallbackDataDir() string {
	return filepath.Join(homeDir(), ".ghostd")
}

// EnsureDataDirs creates the directories the daemon writes to.
func EnsureDataDirs(c *Config) error {
	dirs := []string{
		filepath.Dir(c.Chain.Path),
		c.Receipt.OutputDir,
	}
	if c.Clip.Enabled {
		dirs = append(dirs, c.Clip.OutputDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}
