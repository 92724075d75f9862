// Package config loads node configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the node configuration. Consistency flags are fixed at
// replica creation: strict update checking and owner selection are mutually
// exclusive strategies.
type Config struct {
	SelfID               string
	ListenAddr           string
	EtcdEndpoints        []string
	StrictUpdateChecking bool
	OwnerSelection       bool
	MaintenanceInterval  time.Duration
	ReplicationFactor    int
}

// Getter reads one environment variable; split out so tests can inject.
type Getter func(key string) string

// Load builds a Config from the environment via get.
func Load(get Getter) (Config, error) {
	cfg := Config{
		SelfID:              get("SELF_ID"),
		ListenAddr:          get("SELF_ADDR"),
		OwnerSelection:      true,
		MaintenanceInterval: time.Second,
		ReplicationFactor:   2,
	}
	if cfg.SelfID == "" {
		return Config{}, fmt.Errorf("SELF_ID is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	cfg.EtcdEndpoints = SplitEndpoints(get("ETCD_ENDPOINTS"))
	if len(cfg.EtcdEndpoints) == 0 {
		cfg.EtcdEndpoints = []string{"http://etcd:2379"}
	}

	if v := get("STRICT_UPDATE_CHECKING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("STRICT_UPDATE_CHECKING: %w", err)
		}
		cfg.StrictUpdateChecking = b
	}
	if v := get("OWNER_SELECTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("OWNER_SELECTION: %w", err)
		}
		cfg.OwnerSelection = b
	}
	if cfg.StrictUpdateChecking && cfg.OwnerSelection {
		// The strict mode relies on external drivers only; a strict node
		// must not also originate convergence patches.
		cfg.OwnerSelection = false
	}

	if v := get("MAINTENANCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("MAINTENANCE_INTERVAL: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("MAINTENANCE_INTERVAL must be positive, got %s", d)
		}
		cfg.MaintenanceInterval = d
	}

	if v := get("REPLICATION_FACTOR"); v != "" {
		rf, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("REPLICATION_FACTOR: %w", err)
		}
		if rf < 1 {
			return Config{}, fmt.Errorf("REPLICATION_FACTOR must be >= 1, got %d", rf)
		}
		cfg.ReplicationFactor = rf
	}

	return cfg, nil
}

// SplitEndpoints parses a comma-separated endpoint list, trimming blanks.
func SplitEndpoints(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
