// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package netting compresses pending cross-venue obligations into one net
// movement per (vault, user) and submits each vault's set as a single
// committed batch. The batch id is derived from the commitment root and a
// nonce and consumed through the ledger's refId set, so a batch applies at
// most once no matter how often it is submitted.
package netting

import (
	"bytes"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/clearing/fixedpoint"
	"github.com/luxfi/clearing/ledger"
	"github.com/luxfi/clearing/settle"
)

// Obligation is one pending signed movement for a user within a vault.
type Obligation struct {
	User   common.Address
	Vault  common.Hash
	Amount fixedpoint.SignedMoney
}

// NetTransfer is one user's netted movement inside a batch.
type NetTransfer struct {
	User   common.Address
	Amount fixedpoint.Money
	Debit  bool
}

// Batch is a committed net set for one vault.
type Batch struct {
	BatchID common.Hash
	Vault   common.Hash
	Root    common.Hash
	Nonce   uint64
	Leaves  []NetTransfer
	Gross   fixedpoint.Money
	Netted  fixedpoint.Money
}

// Savings returns gross minus netted volume.
func (b *Batch) Savings() fixedpoint.Money {
	if b.Gross < b.Netted {
		return 0
	}
	return b.Gross - b.Netted
}

// Stats accumulates engine-lifetime volumes.
type Stats struct {
	BatchesApplied uint64
	GrossVolume    fixedpoint.Money
	NettedVolume   fixedpoint.Money
	Savings        fixedpoint.Money
}

// Engine drains obligations and applies netted batches to the ledger.
type Engine struct {
	mu sync.Mutex

	ledger  *ledger.Ledger
	log     log.Logger
	pending []Obligation
	nonce   uint64
	stats   Stats
}

// NewEngine builds a netting engine over the ledger.
func NewEngine(l *ledger.Ledger, logger log.Logger) *Engine {
	return &Engine{ledger: l, log: logger}
}

// Enqueue records a pending obligation for the next window.
func (e *Engine) Enqueue(ob Obligation) {
	if ob.Amount == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, ob)
}

// Pending returns the number of queued obligations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// amountWord encodes an unsigned amount as the 32-byte leaf operand.
func amountWord(m fixedpoint.Money) [32]byte {
	var word [32]byte
	v := uint64(m)
	for i := 0; i < 8; i++ {
		word[31-i] = byte(v >> (8 * i))
	}
	return word
}

// BuildBatches drains the pending obligations and produces one committed
// batch per vault: per-user signed sums, zero sums discarded, leaves
// ordered by ascending user address.
func (e *Engine) BuildBatches() ([]*Batch, error) {
	e.mu.Lock()
	drained := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(drained) == 0 {
		return nil, nil
	}

	type vaultAgg struct {
		sums  map[common.Address]fixedpoint.SignedMoney
		gross fixedpoint.Money
	}
	vaults := make(map[common.Hash]*vaultAgg)
	for _, ob := range drained {
		agg := vaults[ob.Vault]
		if agg == nil {
			agg = &vaultAgg{sums: make(map[common.Address]fixedpoint.SignedMoney)}
			vaults[ob.Vault] = agg
		}
		sum, err := agg.sums[ob.User].AddSigned(ob.Amount)
		if err != nil {
			return nil, err
		}
		agg.sums[ob.User] = sum
		agg.gross += ob.Amount.Abs()
	}

	// deterministic vault order keeps replays byte-identical
	vaultIDs := make([]common.Hash, 0, len(vaults))
	for id := range vaults {
		vaultIDs = append(vaultIDs, id)
	}
	sort.Slice(vaultIDs, func(i, j int) bool {
		return vaultIDs[i].Hex() < vaultIDs[j].Hex()
	})

	var batches []*Batch
	for _, vaultID := range vaultIDs {
		agg := vaults[vaultID]

		users := make([]common.Address, 0, len(agg.sums))
		for user, sum := range agg.sums {
			if sum == 0 {
				continue
			}
			users = append(users, user)
		}
		if len(users) == 0 {
			continue
		}
		sort.Slice(users, func(i, j int) bool {
			return bytes.Compare(users[i].Bytes(), users[j].Bytes()) < 0
		})

		transfers := make([]NetTransfer, 0, len(users))
		leaves := make([]common.Hash, 0, len(users))
		var netted fixedpoint.Money
		for _, user := range users {
			sum := agg.sums[user]
			tr := NetTransfer{User: user, Amount: sum.Abs(), Debit: sum.IsNegative()}
			transfers = append(transfers, tr)
			leaves = append(leaves, Leaf(user, amountWord(tr.Amount)))
			netted += tr.Amount
		}

		root := Root(leaves)
		e.mu.Lock()
		e.nonce++
		nonce := e.nonce
		e.mu.Unlock()

		batches = append(batches, &Batch{
			BatchID: settle.BatchRefID(root, nonce),
			Vault:   vaultID,
			Root:    root,
			Nonce:   nonce,
			Leaves:  transfers,
			Gross:   agg.gross,
			Netted:  netted,
		})
	}
	return batches, nil
}

// Apply submits one batch to the ledger atomically.
func (e *Engine) Apply(b *Batch) error {
	leaves := make([]ledger.BatchLeaf, len(b.Leaves))
	for i, tr := range b.Leaves {
		leaves[i] = ledger.BatchLeaf{User: tr.User, Amount: tr.Amount, Debit: tr.Debit}
	}
	if err := e.ledger.ApplyNetBatch(b.BatchID, b.Vault, leaves, b.Gross, b.Netted); err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.BatchesApplied++
	e.stats.GrossVolume += b.Gross
	e.stats.NettedVolume += b.Netted
	e.stats.Savings += b.Savings()
	e.mu.Unlock()
	e.log.Info("netting batch applied",
		"vault", b.Vault, "leaves", len(b.Leaves), "gross", b.Gross, "netted", b.Netted)
	return nil
}

// Run drains, builds and applies every due batch; the scheduler calls it
// each netting window. Returns the number of applied batches.
func (e *Engine) Run() (int, error) {
	batches, err := e.BuildBatches()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, b := range batches {
		if err := e.Apply(b); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Snapshot returns the lifetime stats.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
