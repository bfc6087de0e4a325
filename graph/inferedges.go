package graph

import (
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cortex/kmer"
)

// InferPolicy selects which missing edges InferEdges adds.
type InferPolicy int

const (
	// InferAll considers every edge absent from the per-color intersection.
	InferAll InferPolicy = iota
	// InferPopUnion considers only edges present in some color but not all
	// (the population union minus the intersection).
	InferPopUnion
)

// InferEdges adds edges between k-mers that coexist in a color but whose
// per-color masks don't record the adjacency: an edge bit is set for color c
// wherever the slot has coverage in c and the shifted neighbor is a member
// of c.  Returns the number of slots whose masks changed.  The operation is
// idempotent.  Requires the per-color edge configuration.
func (g *Graph) InferEdges(policy InferPolicy, nthreads int) (int, error) {
	if g.NumEdgeCols == 0 {
		return 0, Errorf(Incompatible, "infer edges needs per-color edge masks")
	}
	if nthreads < 1 {
		nthreads = 1
	}
	var modified uint64
	err := traverse.Each(nthreads, func(part int) error {
		n := uint64(0)
		g.Table.IteratePart(part, nthreads, func(slot uint64) {
			if g.inferSlot(slot, policy) {
				n++
			}
		})
		atomic.AddUint64(&modified, n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Debug.Printf("inferedges: %d of %d nodes modified", modified, g.Table.NumKmers())
	return int(modified), nil
}

// inferSlot applies the policy to one slot.  Workers write only their own
// slot's masks, so sharded calls don't race.
func (g *Graph) inferSlot(slot uint64, policy InferPolicy) bool {
	ncols := g.NumEdgeCols
	union, inter := Edges(0), Edges(0xff)
	for c := 0; c < ncols; c++ {
		e := g.Edges(slot, c)
		union |= e
		inter &= e
	}
	var target Edges
	if policy == InferPopUnion {
		target = union &^ inter
	} else {
		target = ^inter
	}
	if target == 0 {
		return false
	}

	bkey := g.Bkey(slot)
	changed := false
	for orient := kmer.Forward; orient <= kmer.Reverse; orient++ {
		for n := kmer.NucA; n <= kmer.NucT; n++ {
			if !target.Has(n, orient) {
				continue
			}
			next, _, ok := g.NextNode(bkey, n, orient)
			if !ok {
				continue
			}
			bit := EdgeBit(n, orient)
			for c := 0; c < ncols; c++ {
				if g.Edges(slot, c)&bit != 0 {
					continue
				}
				if g.Covg(slot, c) > 0 && g.HasColor(next, c) {
					g.OrEdges(slot, c, bit)
					changed = true
				}
			}
		}
	}
	return changed
}
