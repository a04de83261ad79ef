// Package config owns the on-disk state of the agent: the identity file
// (config.json), the settings store (settings.json), the pid sidecar and
// the log directory. All files live under a platform config dir.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/version"
)

const (
	unixConfigDir    = ".cyberdriver"
	windowsConfigDir = "Cyberdriver"
	configFile       = "config.json"
	settingsFile     = "settings.json"
	pidFile          = "cyberdriver.pid.json"
)

// Dir returns the platform config directory. On Windows the directory
// lives under ProgramData so the service account and the GUI share it;
// a pre-service install under LOCALAPPDATA is migrated on first touch.
func Dir() string {
	if runtime.GOOS == "windows" {
		systemDir := windowsSystemDir()
		if _, err := os.Stat(filepath.Join(systemDir, configFile)); err != nil {
			migrateWindowsDir(windowsUserDir(), systemDir)
		}
		return systemDir
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, unixConfigDir)
}

func windowsSystemDir() string {
	base := os.Getenv("PROGRAMDATA")
	if base == "" {
		base = `C:\ProgramData`
	}
	return filepath.Join(base, windowsConfigDir)
}

func windowsUserDir() string {
	base := os.Getenv("LOCALAPPDATA")
	if base == "" {
		base = os.Getenv("USERPROFILE")
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, unixConfigDir)
}

func migrateWindowsDir(userDir, systemDir string) {
	if _, err := os.Stat(userDir); err != nil {
		return
	}
	_ = os.MkdirAll(systemDir, 0o755)
	copyIfMissing(filepath.Join(userDir, configFile), filepath.Join(systemDir, configFile))
	copyIfMissing(filepath.Join(userDir, settingsFile), filepath.Join(systemDir, settingsFile))
	srcLogs := filepath.Join(userDir, "logs")
	dstLogs := filepath.Join(systemDir, "logs")
	if _, err := os.Stat(srcLogs); err == nil {
		if _, err := os.Stat(dstLogs); err != nil {
			_ = os.MkdirAll(dstLogs, 0o755)
			entries, _ := os.ReadDir(srcLogs)
			for _, entry := range entries {
				if entry.Type().IsRegular() {
					copyIfMissing(filepath.Join(srcLogs, entry.Name()), filepath.Join(dstLogs, entry.Name()))
				}
			}
		}
	}
}

func copyIfMissing(src, dst string) {
	if _, err := os.Stat(dst); err == nil {
		return
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, data, 0o644)
}

// LogDir is where the daily log files go.
func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

// Load reads config.json, regenerating it when it is missing, unparsable,
// has no fingerprint, or records any version other than the current one.
// The fingerprint is preserved across regeneration so the gateway
// keeps routing to the same agent.
func Load() (types.AgentConfig, error) {
	return loadFrom(Dir())
}

func loadFrom(dir string) (types.AgentConfig, error) {
	path := filepath.Join(dir, configFile)
	var existingFingerprint string

	if data, err := os.ReadFile(path); err == nil {
		var cfg types.AgentConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			if cfg.Version == version.Version && cfg.Fingerprint != "" {
				return cfg, nil
			}
			existingFingerprint = cfg.Fingerprint
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.AgentConfig{}, fmt.Errorf("create config dir: %w", err)
	}
	if existingFingerprint == "" {
		existingFingerprint = uuid.NewString()
	}
	cfg := types.AgentConfig{
		Version:     version.Version,
		Fingerprint: existingFingerprint,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return types.AgentConfig{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.AgentConfig{}, fmt.Errorf("write config: %w", err)
	}
	return cfg, nil
}

// PidFilePath returns the sidecar path.
func PidFilePath() string {
	return filepath.Join(Dir(), pidFile)
}

// WritePidInfo overwrites the sidecar with the current lifecycle state.
// Callers treat failures as non-fatal; the file is advisory.
func WritePidInfo(info types.PidInfo) error {
	if info.Pid == 0 {
		info.Pid = os.Getpid()
	}
	if info.Version == "" {
		info.Version = version.Version
	}
	if info.StartedAt == "" {
		info.StartedAt = nowRFC3339()
	}
	if info.Argv == nil {
		info.Argv = os.Args
	}
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(PidFilePath(), data, 0o644)
}

// RemovePidFile deletes the sidecar if present.
func RemovePidFile() error {
	err := os.Remove(PidFilePath())
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
