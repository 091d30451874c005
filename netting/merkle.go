// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netting

import (
	"bytes"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// The batch commitment is a binary Merkle tree over the netted transfer
// set with sorted-pair combination, so proofs verify without position
// bits: node(a,b) = keccak(min(a,b) || max(a,b)).

// Leaf hashes one net transfer: keccak(user:20 || amount:32). The sign of
// the transfer lives in the batch payload, not the commitment leaf.
func Leaf(user common.Address, amount [32]byte) common.Hash {
	return common.BytesToHash(crypto.Keccak256(user.Bytes(), amount[:]))
}

// combine hashes an ordered pair of nodes.
func combine(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(crypto.Keccak256(a.Bytes(), b.Bytes()))
}

// Root folds the leaves into the commitment root. An odd node is promoted
// unhashed to the next level. An empty set has a zero root.
func Root(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Proof returns the sibling path for the leaf at index.
func Proof(leaves []common.Hash, index int) []common.Hash {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	var path []common.Hash
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, level[sibling])
		}
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
		index /= 2
	}
	return path
}

// Verify recomputes the root from a leaf and its sibling path.
func Verify(root, leaf common.Hash, path []common.Hash) bool {
	node := leaf
	for _, sibling := range path {
		node = combine(node, sibling)
	}
	return node == root
}
