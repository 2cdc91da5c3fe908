// Package config loads the device agent configuration from an optional
// YAML file and SCREENPOINTS_* environment variables. Environment values
// win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/queue"
	"github.com/dukerupert/screenpoints/internal/redemption"
	"github.com/dukerupert/screenpoints/internal/retry"
)

const envPrefix = "SCREENPOINTS_"

type Identity struct {
	FamilyID string    `yaml:"family_id"`
	DeviceID string    `yaml:"device_id"`
	UserID   string    `yaml:"user_id"`
	Role     auth.Role `yaml:"role"`
}

type Zone struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type Queue struct {
	DrainInterval  time.Duration `yaml:"drain_interval"`
	StuckThreshold int           `yaml:"stuck_threshold"`
}

type Redemption struct {
	Window      time.Duration `yaml:"window"`
	DefaultRate float64       `yaml:"default_rate"`
	// ExpiryInterval is how often expired redemptions are swept.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

type Backup struct {
	Endpoint   string `yaml:"endpoint"`
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Passphrase string `yaml:"passphrase"`
	// Interval between scheduled backups; zero disables the schedule.
	Interval time.Duration `yaml:"interval"`
	// Keep is how many backups survive cleanup; zero keeps all.
	Keep int `yaml:"keep"`
}

// Enabled reports whether enough is configured to reach the bucket.
func (b Backup) Enabled() bool {
	return b.Bucket != "" && b.AccessKey != "" && b.SecretKey != ""
}

type Config struct {
	LogLevel   string       `yaml:"log_level"`
	LogFormat  string       `yaml:"log_format"`
	DBPath     string       `yaml:"db_path"`
	Identity   Identity     `yaml:"identity"`
	Zone       Zone         `yaml:"zone"`
	Retry      retry.Policy `yaml:"retry"`
	Queue      Queue        `yaml:"queue"`
	Redemption Redemption   `yaml:"redemption"`
	Backup     Backup       `yaml:"backup"`
}

func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:   "screenpoints.db",
		Identity: Identity{Role: auth.RoleParent},
		Retry:    retry.DefaultPolicy(),
		Queue: Queue{
			DrainInterval:  time.Minute,
			StuckThreshold: queue.DefaultStuckThreshold,
		},
		Redemption: Redemption{
			Window:         redemption.DefaultWindow,
			DefaultRate:    redemption.DefaultRate,
			ExpiryInterval: time.Minute,
		},
		Backup: Backup{Region: "us-east-1", Keep: 14},
	}
}

// Load reads path when it is non-empty and exists, then applies the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"LOG_LEVEL":         &c.LogLevel,
		"LOG_FORMAT":        &c.LogFormat,
		"DB_PATH":           &c.DBPath,
		"FAMILY_ID":         &c.Identity.FamilyID,
		"DEVICE_ID":         &c.Identity.DeviceID,
		"USER_ID":           &c.Identity.UserID,
		"ZONE_URL":          &c.Zone.URL,
		"ZONE_TOKEN":        &c.Zone.Token,
		"BACKUP_ENDPOINT":   &c.Backup.Endpoint,
		"BACKUP_BUCKET":     &c.Backup.Bucket,
		"BACKUP_REGION":     &c.Backup.Region,
		"BACKUP_ACCESS_KEY": &c.Backup.AccessKey,
		"BACKUP_SECRET_KEY": &c.Backup.SecretKey,
		"BACKUP_PASSPHRASE": &c.Backup.Passphrase,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "ROLE"); ok {
		c.Identity.Role = auth.Role(v)
	}

	durations := map[string]*time.Duration{
		"DRAIN_INTERVAL":    &c.Queue.DrainInterval,
		"REDEMPTION_WINDOW": &c.Redemption.Window,
		"BACKUP_INTERVAL":   &c.Backup.Interval,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv(envPrefix + "RETRY_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETRY_MAX_ATTEMPTS: %w", envPrefix, err)
		}
		c.Retry.MaxAttempts = n
	}
	return nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Identity.FamilyID == "" {
		return fmt.Errorf("identity.family_id is required")
	}
	if c.Identity.Role != auth.RoleParent && c.Identity.Role != auth.RoleChild {
		return fmt.Errorf("identity.role must be %q or %q, got %q", auth.RoleParent, auth.RoleChild, c.Identity.Role)
	}
	if c.Queue.StuckThreshold <= 0 {
		return fmt.Errorf("queue.stuck_threshold must be positive")
	}
	if c.Redemption.Window <= 0 {
		return fmt.Errorf("redemption.window must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Actor is the identity changes from this device are attributed to when
// no other actor is known.
func (c *Config) Actor(deviceID string) auth.Actor {
	return auth.Actor{
		UserID:   c.Identity.UserID,
		FamilyID: c.Identity.FamilyID,
		DeviceID: deviceID,
		Role:     c.Identity.Role,
	}
}
