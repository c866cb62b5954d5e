package am

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSettingsFromSource(t *testing.T) {
	t.Run("Nested settings", func(t *testing.T) {
		settings := map[string]interface{}{
			"queue": map[string]interface{}{
				"workers":               4,
				"lease_timeout_seconds": 60,
			},
			"database": map[string]interface{}{
				"path": "ops.db",
			},
		}

		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(settings, "", SourceUser, "/home/user/.optrack/am.toml", sourceMap)

		assert.Len(t, sourceMap, 3)
		assert.Equal(t, SourceUser, sourceMap["queue.workers"].Source)
		assert.Equal(t, SourceUser, sourceMap["database.path"].Source)
		assert.Equal(t, "/home/user/.optrack/am.toml", sourceMap["queue.lease_timeout_seconds"].Path)
	})

	t.Run("Later source wins", func(t *testing.T) {
		sourceMap := make(map[string]SourceInfo)
		markSettingsFromSource(map[string]interface{}{
			"retry": map[string]interface{}{"base_delay_ms": 1000},
		}, "", SourceSystem, "/etc/optrack/am.toml", sourceMap)
		markSettingsFromSource(map[string]interface{}{
			"retry": map[string]interface{}{"base_delay_ms": 2000},
		}, "", SourceProject, "/project/optrack.toml", sourceMap)

		assert.Equal(t, SourceProject, sourceMap["retry.base_delay_ms"].Source)
	})
}

func TestFlattenSettingsWithSources(t *testing.T) {
	settings := map[string]interface{}{
		"queue": map[string]interface{}{
			"workers":          4,
			"default_priority": 5,
		},
	}
	sourceMap := map[string]SourceInfo{
		"queue.workers": {Source: SourceProject, Path: "/project/optrack.toml"},
	}

	introspection := &ConfigIntrospection{}
	flattenSettingsWithSources(settings, "", introspection, sourceMap)

	require.Len(t, introspection.Settings, 2)
	// sorted by key
	assert.Equal(t, "queue.default_priority", introspection.Settings[0].Key)
	assert.Equal(t, SourceDefault, introspection.Settings[0].Source)
	assert.Equal(t, "queue.workers", introspection.Settings[1].Key)
	assert.Equal(t, SourceProject, introspection.Settings[1].Source)
	assert.Equal(t, 4, introspection.Settings[1].Value)
}

func TestFlattenSettingsEnvironmentWins(t *testing.T) {
	t.Setenv("OPTRACK_QUEUE_WORKERS", "12")

	introspection := &ConfigIntrospection{}
	flattenSettingsWithSources(map[string]interface{}{
		"queue": map[string]interface{}{"workers": 12},
	}, "", introspection, map[string]SourceInfo{
		"queue.workers": {Source: SourceUser, Path: "/home/user/.optrack/am.toml"},
	})

	require.Len(t, introspection.Settings, 1)
	assert.Equal(t, SourceEnvironment, introspection.Settings[0].Source)
	assert.Equal(t, "OPTRACK_QUEUE_WORKERS", introspection.Settings[0].SourcePath)
}

func TestGetConfigIntrospection(t *testing.T) {
	path := useConfigFile(t, "[queue]\nworkers = 6\n")

	introspection, err := GetConfigIntrospection()
	require.NoError(t, err)
	assert.Equal(t, path, introspection.ConfigFile)

	byKey := make(map[string]SettingInfo)
	for _, s := range introspection.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceExplicit, byKey["queue.workers"].Source)
	assert.Equal(t, SourceDefault, byKey["queue.default_priority"].Source)
}
