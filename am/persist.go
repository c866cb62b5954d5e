package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// a stale .back3 never blocks a save
		logger.Warnw("Failed to delete old config backup", "path", back3, logger.FieldError, err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// UserConfigPath returns ~/.optrack/am.toml
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".optrack", "am.toml")
}

// loadTOMLMap reads configPath into a generic map, or an empty map when it does not exist
func loadTOMLMap(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// SaveSetting writes one dotted key into the TOML file at configPath, keeping
// every other setting in that file and rotating backups first.
func SaveSetting(configPath, key string, value interface{}) error {
	if configPath == "" {
		return errors.New("could not determine config path")
	}
	if key == "" {
		return errors.New("config key is required")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	config, err := loadTOMLMap(configPath)
	if err != nil {
		return err
	}
	if err := setNested(config, strings.Split(key, "."), value); err != nil {
		return errors.Wrapf(err, "cannot set %s", key)
	}

	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	logger.Infow("Config setting saved", "key", key, "path", configPath)
	return nil
}

func setNested(config map[string]interface{}, path []string, value interface{}) error {
	if len(path) == 1 {
		config[path[0]] = value
		return nil
	}
	child, ok := config[path[0]]
	if !ok {
		child = make(map[string]interface{})
		config[path[0]] = child
	}
	section, ok := child.(map[string]interface{})
	if !ok {
		return errors.Newf("%s is a value, not a section", path[0])
	}
	return setNested(section, path[1:], value)
}
