// Package config loads and persists the daemon's JSON settings file. No
// secret value is stored in it: the encryption passphrase and the SSH
// private key are referenced only by their file paths.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// validDays holds the three-letter day codes spec.md §6 enumerates.
var validDays = map[string]struct{}{
	"mon": {}, "tue": {}, "wed": {}, "thu": {}, "fri": {}, "sat": {}, "sun": {},
}

// Config is the typed form of the daemon's settings.json.
type Config struct {
	ClientName            string   `json:"client_name"`
	SnapshotDir           string   `json:"snapshot_dir"`
	EncryptionKeyPath     string   `json:"encryption_key_path"`
	MonthsToKeep          int      `json:"months_to_keep"`
	DailyIncrementalDays  int      `json:"daily_incremental_days"`
	LocalSnapshotDays     int      `json:"local_snapshot_days"`
	UnraidTailscaleName   string   `json:"unraid_tailscale_name"`
	UnraidUser            string   `json:"unraid_user"`
	UnraidBasePath        string   `json:"unraid_base_path"`
	UnraidSSHPort         int      `json:"unraid_ssh_port"`
	UseTailscale          bool     `json:"use_tailscale"`
	BackupScheduleEnabled bool     `json:"backup_schedule_enabled"`
	BackupScheduleTime    string   `json:"backup_schedule_time"`
	BackupScheduleDays    []string `json:"backup_schedule_days"`

	// SSHKeyPath is not part of the original key set documented in §6's
	// prose list but is required by the SSH executor; it travels alongside
	// EncryptionKeyPath as a fixed, 0600 file path.
	SSHKeyPath string `json:"ssh_key_path"`

	// TailscaleTimeoutSeconds bounds every Remote Executor call (§5
	// "Timeouts") when not overridden per-call.
	TailscaleTimeoutSeconds int `json:"tailscale_timeout_seconds"`
}

// Default returns the settings a fresh install starts from.
func Default() *Config {
	return &Config{
		ClientName:              "btrfsvault-client",
		SnapshotDir:             "/.snapshots",
		EncryptionKeyPath:       "/var/lib/btrfsvault/backup-encryption.key",
		SSHKeyPath:              "/var/lib/btrfsvault/id_ed25519",
		MonthsToKeep:            2,
		DailyIncrementalDays:    31,
		LocalSnapshotDays:       3,
		UnraidUser:              "root",
		UnraidBasePath:          "/mnt/user/backups",
		UnraidSSHPort:           22,
		UseTailscale:            true,
		TailscaleTimeoutSeconds: 30,
		BackupScheduleEnabled:   true,
		BackupScheduleTime:      "02:00",
		BackupScheduleDays:      []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
	}
}

// Load reads settings.json from path, or writes and returns Default() if it
// does not yet exist — mirroring the original system's Settings.load.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: writing default settings: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the constraints spec.md §6 implies: HH:MM time format,
// a recognized day subset, and positive retention windows.
func (c *Config) Validate() error {
	if c.MonthsToKeep < 1 {
		return fmt.Errorf("months_to_keep must be >= 1, got %d", c.MonthsToKeep)
	}
	if c.DailyIncrementalDays < 1 {
		return fmt.Errorf("daily_incremental_days must be >= 1, got %d", c.DailyIncrementalDays)
	}
	if c.LocalSnapshotDays < 1 {
		return fmt.Errorf("local_snapshot_days must be >= 1, got %d", c.LocalSnapshotDays)
	}
	if err := validateTime(c.BackupScheduleTime); err != nil {
		return err
	}
	for _, d := range c.BackupScheduleDays {
		if _, ok := validDays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("backup_schedule_days: unrecognized day %q", d)
		}
	}
	return nil
}

func validateTime(hhmm string) error {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return fmt.Errorf("backup_schedule_time must be HH:MM, got %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("backup_schedule_time must be HH:MM, got %q", hhmm)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("backup_schedule_time must be HH:MM, got %q", hhmm)
	}
	return nil
}

// Subvolume is an entry in the subvolume binding (spec.md §3): a logical
// name paired with its mount point. Fixed at process start.
type Subvolume struct {
	Name  string
	Mount string
}

// Subvolumes returns the default binding: @ -> host root, @home -> host
// home. The mount points are overridable via environment variables so the
// daemon can run inside a container with the host mounted elsewhere, the
// same accommodation original_source's HOST_ROOT/HOST_HOME env vars make.
func Subvolumes() []Subvolume {
	root := envOrDefault("BTRFSVAULT_HOST_ROOT", "/host")
	home := envOrDefault("BTRFSVAULT_HOST_HOME", "/host-home")
	return []Subvolume{
		{Name: "@", Mount: root},
		{Name: "@home", Mount: home},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
