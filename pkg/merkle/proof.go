package merkle

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	SideLeft  = "L"
	SideRight = "R"
)

// InclusionProof shows that one event's block hash is committed to a root.
type InclusionProof struct {
	EventID    int64       `json:"event_id"`
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep names the sibling and which side it sits on.
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}
	p := InclusionProof{
		EventID:    t.Leaves[index].EventID,
		LeafIndex:  index,
		LeafHash:   t.Leaves[index].LeafHash,
		MerkleRoot: t.Root,
	}
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if pos%2 == 0 {
			sib := pos + 1
			if sib >= len(level) {
				sib = pos
			}
			p.ProofPath = append(p.ProofPath, ProofStep{Side: SideRight, SiblingHash: level[sib]})
		} else {
			p.ProofPath = append(p.ProofPath, ProofStep{Side: SideLeft, SiblingHash: level[pos-1]})
		}
		pos /= 2
	}
	return p, nil
}

// ProofFor finds the leaf for eventID and returns its proof.
func (t *Tree) ProofFor(eventID int64) (InclusionProof, error) {
	for i, l := range t.Leaves {
		if l.EventID == eventID {
			return t.Proof(i)
		}
	}
	return InclusionProof{}, fmt.Errorf("merkle: event %d not in tree", eventID)
}

// VerifyInclusionProof recomputes the root from the proof. When expectedRoot
// is non-empty the proof must also claim that root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case SideLeft:
			current = nodeHash(step.SiblingHash, current)
		case SideRight:
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}

// VerifyEvent checks that blockHash for eventID is the leaf the proof starts
// from before verifying the path.
func VerifyEvent(proof InclusionProof, eventID int64, blockHash, expectedRoot string) bool {
	raw, err := hex.DecodeString(blockHash)
	if err != nil || proof.EventID != eventID {
		return false
	}
	if !strings.EqualFold(LeafHash(eventID, raw), proof.LeafHash) {
		return false
	}
	return VerifyInclusionProof(proof, expectedRoot)
}
