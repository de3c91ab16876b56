// ABOUTME: Device configuration for the clinic sync client and reference server
// ABOUTME: Loads config.json from XDG data home, applies .env and CLINICSYNC_* overrides, generates device ids
package config

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
)

const appName = "clinicsync"

// Duration is a time.Duration that reads and writes as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare numbers are seconds
		var secs float64
		if err2 := json.Unmarshal(data, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(data))
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the device profile: who is signed in, where to sync, and the
// local store bounds.
type Config struct {
	ServerURL    string   `json:"server_url"`
	Token        string   `json:"token,omitempty"`
	StaffID      string   `json:"staff_id"`
	Tenants      []string `json:"tenants"`
	DeviceID     string   `json:"device_id"`
	StorePath    string   `json:"store_path,omitempty"`
	LogLevel     string   `json:"log_level,omitempty"`
	MaxPending   int      `json:"max_pending,omitempty"`
	MaxRecords   int      `json:"max_records,omitempty"`
	SyncInterval Duration `json:"sync_interval,omitempty"`
	ServerAddr   string   `json:"server_addr,omitempty"`
	ServerDB     string   `json:"server_db,omitempty"`
}

// Dir returns the XDG data directory for clinicsync.
func Dir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

func defaults() *Config {
	return &Config{
		LogLevel:     "info",
		SyncInterval: Duration(30 * time.Second),
		ServerAddr:   "127.0.0.1:8080",
	}
}

// Load reads the config file, then a .env in the working directory, then
// environment variable overrides:
//   - CLINICSYNC_SERVER_URL
//   - CLINICSYNC_TOKEN
//   - CLINICSYNC_STAFF_ID
//   - CLINICSYNC_TENANTS (comma separated)
//   - CLINICSYNC_DEVICE_ID
//   - CLINICSYNC_STORE_PATH
//   - CLINICSYNC_LOG_LEVEL
//   - CLINICSYNC_MAX_PENDING
//   - CLINICSYNC_SYNC_INTERVAL
//
// A missing file yields the defaults.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom is Load with an explicit file path.
func LoadFrom(path string) (*Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer func() { _ = f.Close() }()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	// .env is optional; existing environment wins
	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CLINICSYNC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("CLINICSYNC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("CLINICSYNC_STAFF_ID"); v != "" {
		cfg.StaffID = v
	}
	if v := os.Getenv("CLINICSYNC_TENANTS"); v != "" {
		cfg.Tenants = splitList(v)
	}
	if v := os.Getenv("CLINICSYNC_DEVICE_ID"); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv("CLINICSYNC_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("CLINICSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLINICSYNC_MAX_PENDING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CLINICSYNC_MAX_PENDING: %w", err)
		}
		cfg.MaxPending = n
	}
	if v := os.Getenv("CLINICSYNC_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CLINICSYNC_SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = Duration(d)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes the config file with owner-only permissions.
func Save(cfg *Config) error {
	return SaveTo(Path(), cfg)
}

// SaveTo is Save with an explicit file path.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ResolvedStorePath returns the Badger directory for this staff profile.
func (c *Config) ResolvedStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	staff := c.StaffID
	if staff == "" {
		staff = "default"
	}
	return filepath.Join(Dir(), "profiles", staff, "store")
}

// ResolvedServerDB returns the SQLite path used by the reference server.
func (c *Config) ResolvedServerDB() string {
	if c.ServerDB != "" {
		return c.ServerDB
	}
	return filepath.Join(Dir(), "server.db")
}

// Validate checks the fields a syncing client needs.
func (c *Config) Validate() error {
	if c.StaffID == "" {
		return fmt.Errorf("staff_id is required (run init)")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant is required (run init)")
	}
	return nil
}

// IsConfigured reports whether the device can reach a sync server.
func (c *Config) IsConfigured() bool {
	return c.Validate() == nil && c.ServerURL != "" && c.DeviceID != ""
}

// GenerateDeviceID returns a new ULID for device identification.
func GenerateDeviceID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
