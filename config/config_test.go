// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
vault: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
token: "0xdddddddddddddddddddddddddddddddddddddddd"
dataDir: "/var/lib/clearing"
ledger:
  withdrawalCooldownSec: 3600
  userDailyCap: 1000000000
  circuitBreakerThreshold: 5000000000
  circuitBreakerWindowSec: 3600
  nettingFeeBps: 10
equity:
  haircutBps: 5000
  debounceMillis: 200
  triggerBps:
    BTC-PERP: 100
    USDT-PERP: 10
oracle:
  BTC-PERP:
    kind: aggregator
    url: "https://feeds.example/btc"
    priceBandBps: 500
venues:
  - name: kraken
    kind: websocket
    endpoint: "wss://gw.example/kraken"
    symbols: [BTC-PERP]
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.EqualValues(t, 3600, cfg.Ledger.WithdrawalCooldownSec)
	require.EqualValues(t, 10, cfg.Ledger.NettingFeeBps)
	require.EqualValues(t, 100, cfg.Equity.TriggerBps["BTC-PERP"])
	require.Equal(t, "aggregator", cfg.Oracle["BTC-PERP"].Kind)
	require.Len(t, cfg.Venues, 1)
	require.Equal(t, "websocket", cfg.Venues[0].Kind)

	// omitted values take the documented defaults
	require.Equal(t, DefaultHeartbeatSec, cfg.Equity.HeartbeatSec)
	require.Equal(t, DefaultNettingIntervalSec, cfg.Netting.IntervalSec)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load("does/not/exist.yml")
	require.Error(t, err)
}
