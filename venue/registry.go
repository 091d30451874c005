// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package venue

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/luxfi/log"
)

// Constructor builds an adapter from its endpoint configuration.
type Constructor func(cfg AdapterConfig, logger log.Logger) (Adapter, error)

// AdapterConfig is the deployment-specific wiring of one venue.
type AdapterConfig struct {
	Name     string
	Kind     string // registry key, e.g. "websocket"
	Endpoint string
	Symbols  []string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register installs a constructor under kind. Registration happens from
// package init functions; duplicate kinds panic.
func Register(kind string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("venue: kind %q registered twice", kind))
	}
	registry[kind] = ctor
}

// New constructs the adapter for cfg.Kind.
func New(cfg AdapterConfig, logger log.Logger) (Adapter, error) {
	registryMu.RLock()
	ctor := registry[cfg.Kind]
	registryMu.RUnlock()
	if ctor == nil {
		return nil, fmt.Errorf("venue: unknown adapter kind %q", cfg.Kind)
	}
	return ctor(cfg, logger)
}

// Kinds lists the registered adapter kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
