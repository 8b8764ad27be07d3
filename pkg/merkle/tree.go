// Package merkle builds Merkle trees over ordered ledger block hashes and
// produces inclusion proofs for anchored windows.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

const (
	leafDomain = "papa:ledger:leaf:v1"
	nodeDomain = "papa:ledger:node:v1"
)

var ErrEmptyTree = errors.New("merkle: no leaves")

// Leaf is one ledger event as committed to a tree.
type Leaf struct {
	EventID   int64  `json:"event_id"`
	BlockHash string `json:"block_hash"`
	LeafHash  string `json:"leaf_hash"`
}

// Tree keeps every level so proofs can be read off without rehashing.
// Levels[0] are leaf hashes and the last level holds the root.
type Tree struct {
	Leaves []Leaf
	Levels [][]string
	Root   string
}

// Build constructs a tree over block hashes in chain order. Odd levels are
// balanced by duplicating the last node.
func Build(eventIDs []int64, blockHashes []string) (*Tree, error) {
	if len(eventIDs) != len(blockHashes) {
		return nil, fmt.Errorf("merkle: %d ids for %d hashes", len(eventIDs), len(blockHashes))
	}
	if len(blockHashes) == 0 {
		return nil, ErrEmptyTree
	}

	leaves := make([]Leaf, len(blockHashes))
	level := make([]string, len(blockHashes))
	for i, h := range blockHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("merkle: event %d: block hash is not 64 hex chars", eventIDs[i])
		}
		lh := LeafHash(eventIDs[i], raw)
		leaves[i] = Leaf{EventID: eventIDs[i], BlockHash: h, LeafHash: lh}
		level[i] = lh
	}

	t := &Tree{Leaves: leaves}
	for len(level) > 1 {
		t.Levels = append(t.Levels, level)
		level = nextLevel(level)
	}
	t.Levels = append(t.Levels, level)
	t.Root = level[0]
	return t, nil
}

// LeafHash is SHA256(domain || 0 || decimal id || 0 || block hash bytes).
func LeafHash(eventID int64, blockHash []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatInt(eventID, 10))
	buf.WriteByte(0)
	buf.Write(blockHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes[:len(hashes):len(hashes)], hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
