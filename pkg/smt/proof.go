// Copyright 2026 Unicity Labs
//

package smt

import "crypto/subtle"

// Step is one level of a merkle path: the sibling hash and which side
// it sits on.
type Step struct {
	SiblingHash [32]byte
	SiblingLeft bool // true if the sibling is the left child
}

// Path is an inclusion/exclusion proof against a tree snapshot: the
// leaf value actually stored at Path's key (zero value if absent) and
// the sibling hash at every depth from the leaf up to the root.
type Path struct {
	Key   [32]byte
	Value [32]byte
	Steps []Step // ordered leaf-to-root
}

// GetPath produces a proof against the current snapshot without
// taking the mutation lock (spec §4.2: reads operate on the most
// recent immutable root snapshot).
func (t *Tree) GetPath(key [32]byte) Path {
	root := t.root.Load()
	proof := Path{Key: key}
	steps := make([]Step, 0, Depth)

	cur := root
	for depth := 0; depth < Depth; depth++ {
		var left, right *node
		if cur != nil {
			left, right = cur.left, cur.right
		}
		if bitAt(key, depth) == 0 {
			steps = append(steps, Step{SiblingHash: hashOf(right, depth+1), SiblingLeft: false})
			cur = left
		} else {
			steps = append(steps, Step{SiblingHash: hashOf(left, depth+1), SiblingLeft: true})
			cur = right
		}
	}

	if cur != nil && cur.leaf {
		proof.Value = cur.hash
	}

	// reverse into leaf-to-root order
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	proof.Steps = steps
	return proof
}

// VerifyPath recomputes the root from a proof and compares it to
// expectedRoot using a constant-time comparison, mirroring the
// reference binary-Merkle-tree verifier this sparse tree generalizes.
func VerifyPath(p Path, expectedRoot [32]byte) bool {
	h := p.Value
	for _, step := range p.Steps {
		if step.SiblingLeft {
			h = combine(step.SiblingHash, h)
		} else {
			h = combine(h, step.SiblingHash)
		}
	}
	return subtle.ConstantTimeCompare(h[:], expectedRoot[:]) == 1
}
