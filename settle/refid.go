// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package settle

import (
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// Reference-ID construction. These hashes are contractual: the same event
// observed twice must derive the same id so the ledger's dedup set turns
// replays into no-ops.

// PositionCloseRefID derives the id of a position-close settlement.
func PositionCloseRefID(venue, positionID string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte(venue), []byte(positionID)))
}

// ShortfallRefID derives the id of a venue shortfall claim.
func ShortfallRefID(venue, claimID string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte("shortfall"), []byte(venue), []byte(claimID)))
}

// BatchRefID derives the id of a netting batch from its Merkle root and
// submission nonce.
func BatchRefID(root common.Hash, nonce uint64) common.Hash {
	var n [8]byte
	for i := 0; i < 8; i++ {
		n[7-i] = byte(nonce >> (8 * i))
	}
	return common.BytesToHash(crypto.Keccak256(root.Bytes(), n[:]))
}
