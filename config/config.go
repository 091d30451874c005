// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the engine's runtime configuration from YAML. An
// omitted heartbeat or netting interval takes its default; other omitted
// numerics stay zero.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yml.
type Config struct {
	Vault   string          `yaml:"vault"`   // vault address holding the stable token
	Token   string          `yaml:"token"`   // stable token contract address
	DataDir string          `yaml:"dataDir"` // refId durability
	Ledger  LedgerYAML      `yaml:"ledger"`
	Equity  EquityYAML      `yaml:"equity"`
	Oracle  map[string]OracleYAML `yaml:"oracle"` // keyed by symbol
	Venues  []VenueYAML     `yaml:"venues"`
	Netting NettingYAML     `yaml:"netting"`
}

// LedgerYAML tunes the ledger primitives.
type LedgerYAML struct {
	WithdrawalCooldownSec   int64  `yaml:"withdrawalCooldownSec"`
	UserDailyCap            uint64 `yaml:"userDailyCap"`
	GlobalDailyCap          uint64 `yaml:"globalDailyCap"`
	CircuitBreakerThreshold uint64 `yaml:"circuitBreakerThreshold"`
	CircuitBreakerWindowSec int64  `yaml:"circuitBreakerWindowSec"`
	NettingFeeBps           uint64 `yaml:"nettingFeeBps"`
}

// EquityYAML tunes the equity engine.
type EquityYAML struct {
	HaircutBps        uint64            `yaml:"haircutBps"`
	OverspendAlphaBps uint64            `yaml:"overspendAlphaBps"`
	DebounceMillis    int64             `yaml:"debounceMillis"`
	HeartbeatSec      int64             `yaml:"heartbeatSec"`
	TriggerBps        map[string]uint64 `yaml:"triggerBps"`
}

// OracleYAML configures one symbol's feed and bounds.
type OracleYAML struct {
	Kind           string `yaml:"kind"` // "aggregator" or "expo"
	URL            string `yaml:"url"`
	MaxStalenessSec int64 `yaml:"maxStalenessSec"`
	PriceBandBps   uint64 `yaml:"priceBandBps"`
	MaxFallbackSec int64  `yaml:"maxFallbackSec"`
}

// VenueYAML configures one venue adapter.
type VenueYAML struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Endpoint string   `yaml:"endpoint"`
	Symbols  []string `yaml:"symbols"`
}

// NettingYAML tunes the netting window.
type NettingYAML struct {
	IntervalSec int64 `yaml:"intervalSec"`
}

// Defaults applied when fields are omitted.
const (
	DefaultHeartbeatSec       int64 = 300
	DefaultNettingIntervalSec int64 = 60
	DefaultFeedTimeout              = 5 * time.Second
)

// Load reads and parses the config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Equity.HeartbeatSec == 0 {
		c.Equity.HeartbeatSec = DefaultHeartbeatSec
	}
	if c.Netting.IntervalSec == 0 {
		c.Netting.IntervalSec = DefaultNettingIntervalSec
	}
}
