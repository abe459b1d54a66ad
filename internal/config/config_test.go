package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default config is valid", mutate: func(c *Config) {}},
		{name: "months to keep must be positive", mutate: func(c *Config) { c.MonthsToKeep = 0 }, wantErr: true},
		{name: "daily incremental days must be positive", mutate: func(c *Config) { c.DailyIncrementalDays = 0 }, wantErr: true},
		{name: "local snapshot days must be positive", mutate: func(c *Config) { c.LocalSnapshotDays = -1 }, wantErr: true},
		{name: "malformed time", mutate: func(c *Config) { c.BackupScheduleTime = "2am" }, wantErr: true},
		{name: "hour out of range", mutate: func(c *Config) { c.BackupScheduleTime = "24:00" }, wantErr: true},
		{name: "minute out of range", mutate: func(c *Config) { c.BackupScheduleTime = "10:60" }, wantErr: true},
		{name: "unrecognized day", mutate: func(c *Config) { c.BackupScheduleDays = []string{"someday"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().ClientName, cfg.ClientName)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.ClientName, reloaded.ClientName)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")

	cfg := Default()
	cfg.ClientName = "nas-office"
	cfg.MonthsToKeep = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nas-office", loaded.ClientName)
	assert.Equal(t, 5, loaded.MonthsToKeep)
}

func TestSubvolumesDefaults(t *testing.T) {
	subvols := Subvolumes()
	require.Len(t, subvols, 2)
	assert.Equal(t, "@", subvols[0].Name)
	assert.Equal(t, "@home", subvols[1].Name)
}
