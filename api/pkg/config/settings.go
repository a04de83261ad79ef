package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// envPrefix scopes environment overrides, e.g. CYBERDRIVER_SECRET.
const envPrefix = "CYBERDRIVER"

// SettingsPath returns the settings.json path.
func SettingsPath() string {
	return filepath.Join(Dir(), settingsFile)
}

// LoadSettings reads settings.json (missing file means defaults) and then
// layers CYBERDRIVER_* environment overrides on top.
func LoadSettings() (types.Settings, error) {
	return loadSettingsFrom(SettingsPath())
}

func loadSettingsFrom(path string) (types.Settings, error) {
	settings := types.DefaultSettings()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return settings, err
		}
	} else if !os.IsNotExist(err) {
		return settings, err
	}
	if err := envconfig.Process(envPrefix, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// SaveSettings persists the settings store.
func SaveSettings(settings types.Settings) error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(), data, 0o644)
}

// SettingsMtime returns the settings file's modification time, or the zero
// time when the file does not exist. The supervisor compares successive
// values to decide whether a reload is needed.
func SettingsMtime() time.Time {
	info, err := os.Stat(SettingsPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
