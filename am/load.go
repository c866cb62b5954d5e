package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/optrack/errors"
)

var (
	loadMu             sync.Mutex
	globalConfig       *Config
	viperInstance      *viper.Viper
	explicitConfigPath string
	activeConfigFile   string
)

// ConfigSources records, per dotted key, the file or layer its value came from.
// It is rebuilt on every load.
var ConfigSources = map[string]SourceInfo{}

// Load reads the optrack configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()
	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the defaults,
// without environment overrides
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config from %s", configPath)
	}
	return config, nil
}

// SetConfigFile makes path the only config file consulted, replacing the
// system/user/project search. An empty path restores the search.
func SetConfigFile(path string) {
	loadMu.Lock()
	defer loadMu.Unlock()
	explicitConfigPath = path
	globalConfig = nil
	viperInstance = nil
}

// ActiveConfigFile returns the highest-precedence config file merged by the last
// load, or an empty string when only defaults and environment were used.
func ActiveConfigFile() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	initViperLocked()
	return activeConfigFile
}

// Reset clears the cached configuration (useful for testing and reload)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// configSearchPaths lists config files in precedence order, lowest first.
func configSearchPaths() []SourceInfo {
	if explicitConfigPath != "" {
		return []SourceInfo{{Source: SourceExplicit, Path: explicitConfigPath}}
	}

	paths := []SourceInfo{{Source: SourceSystem, Path: "/etc/optrack/am.toml"}}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, SourceInfo{Source: SourceUser, Path: filepath.Join(homeDir, ".optrack", "am.toml")})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, SourceInfo{Source: SourceProject, Path: project})
	}
	return paths
}

// findProjectConfig searches for optrack.toml or am.toml by walking up the directory tree.
// Returns the first file found, or an empty string.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range []string{"optrack.toml", "am.toml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files in precedence order into the config
// layer, so environment variables still win over every file.
// Precedence (lowest to highest): defaults < system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	sources := make(map[string]SourceInfo)
	activeConfigFile = ""

	for _, candidate := range configSearchPaths() {
		if _, err := os.Stat(candidate.Path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(candidate.Path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		settings := tempViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		markSettingsFromSource(settings, "", candidate.Source, candidate.Path, sources)
		activeConfigFile = candidate.Path
	}

	ConfigSources = sources
}

// markSettingsFromSource records path as the origin of every leaf key in settings.
func markSettingsFromSource(settings map[string]interface{}, prefix string, source ConfigSource, path string, sourceMap map[string]SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			markSettingsFromSource(nested, fullKey, source, path, sourceMap)
			continue
		}
		sourceMap[fullKey] = SourceInfo{Source: source, Path: path}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}
