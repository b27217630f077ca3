// Package config handles loading and validating the sync core's
// configuration from a JSON file: read once at startup, defaults
// applied after parse, environment variables can override the
// database DSN for container deployments.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Instance describes one downstream instance the Federation Gateway
// fans out to.
type Instance struct {
	InstanceID string `json:"instanceId"`
	Label      string `json:"label"`
	BaseURL    string `json:"baseUrl"`
	Token      string `json:"token,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// Config holds all application configuration loaded from config.json.
type Config struct {
	// ListenAddr is the sync service's HTTP listen address.
	ListenAddr string `json:"listenAddr"`

	// ConsoleListenAddr is the single-instance console's HTTP listen
	// address. Empty disables the console service in this process.
	ConsoleListenAddr string `json:"consoleListenAddr,omitempty"`

	// GatewayListenAddr is the Federation Gateway's HTTP listen address.
	// Only meaningful (and only started) when Instances is non-empty.
	GatewayListenAddr string `json:"gatewayListenAddr,omitempty"`

	// DatabaseURL is the Postgres DSN. Overridden by SYNCULAR_DATABASE_URL.
	DatabaseURL string `json:"databaseUrl"`

	// Partitions is the set of partition ids this instance serves.
	Partitions []string `json:"partitions,omitempty"`

	// AdminKey authenticates console-only management calls as a
	// standalone operator credential, outside the API key table.
	AdminKey string `json:"adminKey"`

	// SessionSecret is the HMAC secret for the reference JWT session
	// minter. Overridden by SYNCULAR_SESSION_SECRET.
	SessionSecret string `json:"sessionSecret,omitempty"`

	// InstanceID identifies this instance to peers (cross-instance
	// broadcaster loop-prevention, federated ids).
	InstanceID string `json:"instanceId"`

	// Instances configures the Federation Gateway's downstream fan-out
	// set. Only meaningful when this process runs the gateway.
	Instances []Instance `json:"instances,omitempty"`

	Limits  Limits  `json:"limits"`
	Tuning  Tuning  `json:"tuning"`
}

// Limits holds the push/pull/connection caps named in the protocol
// contract.
type Limits struct {
	MaxOperationsPerPush   int `json:"maxOperationsPerPush"`
	MaxSubscriptions       int `json:"maxSubscriptions"`
	DefaultLimitCommits    int `json:"defaultLimitCommits"`
	MaxLimitCommits        int `json:"maxLimitCommits"`
	DefaultLimitSnapshotRows int `json:"defaultLimitSnapshotRows"`
	MaxLimitSnapshotRows   int `json:"maxLimitSnapshotRows"`
	MaxSnapshotPages       int `json:"maxSnapshotPages"`
	MaxConnectionsTotal    int `json:"maxConnectionsTotal"`
	MaxConnectionsPerClient int `json:"maxConnectionsPerClient"`
	InlineChangesMaxBytes  int `json:"inlineChangesMaxBytes"`
}

// Tuning holds durations and retention knobs.
type Tuning struct {
	UnauthenticatedGrace   time.Duration `json:"unauthenticatedGrace"`
	HeartbeatInterval      time.Duration `json:"heartbeatInterval"`
	SnapshotChunkTTL       time.Duration `json:"snapshotChunkTTL"`
	AutoPruneInterval      time.Duration `json:"autoPruneInterval"`
	PruneWatermarkWindow   time.Duration `json:"pruneWatermarkWindow"`
	PruneMaxAgeFallback    time.Duration `json:"pruneMaxAgeFallback"`
	KeepNewestCommits      int           `json:"keepNewestCommits"`
	FullHistoryHours       int           `json:"fullHistoryHours"`
	RequestEventsMaxAge    time.Duration `json:"requestEventsMaxAge"`
	RequestEventsMaxRows   int           `json:"requestEventsMaxRows"`
	OperationEventsMaxAge  time.Duration `json:"operationEventsMaxAge"`
	OperationEventsMaxRows int           `json:"operationEventsMaxRows"`
	PayloadSnapshotByteCap int           `json:"payloadSnapshotByteCap"`
}

func defaultLimits() Limits {
	return Limits{
		MaxOperationsPerPush:     200,
		MaxSubscriptions:         200,
		DefaultLimitCommits:      50,
		MaxLimitCommits:          100,
		DefaultLimitSnapshotRows: 500,
		MaxLimitSnapshotRows:     5000,
		MaxSnapshotPages:         10,
		MaxConnectionsTotal:      5000,
		MaxConnectionsPerClient:  3,
		InlineChangesMaxBytes:    64 * 1024,
	}
}

func defaultTuning() Tuning {
	return Tuning{
		UnauthenticatedGrace:   5 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		SnapshotChunkTTL:       24 * time.Hour,
		AutoPruneInterval:      5 * time.Minute,
		PruneWatermarkWindow:   24 * time.Hour,
		PruneMaxAgeFallback:    30 * 24 * time.Hour,
		KeepNewestCommits:      1000,
		FullHistoryHours:       168,
		RequestEventsMaxAge:    7 * 24 * time.Hour,
		RequestEventsMaxRows:   10000,
		OperationEventsMaxAge:  30 * 24 * time.Hour,
		OperationEventsMaxRows: 5000,
		PayloadSnapshotByteCap: 32 * 1024,
	}
}

// Load reads and parses configuration from the given file path,
// applying defaults for anything left zero-valued and allowing a
// handful of environment variables to override secrets so they need
// not be checked into the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Config{
		Limits: defaultLimits(),
		Tuning: defaultTuning(),
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if v := os.Getenv("SYNCULAR_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SYNCULAR_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if len(cfg.Partitions) == 0 {
		cfg.Partitions = []string{"default"}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "self"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return fmt.Errorf("config: databaseUrl is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	}
	return nil
}
