package graph

import (
	"github.com/grailbio/cortex/kmer"
)

// zeroNode wipes a slot's overlay data and removes it from the table.
func (g *Graph) zeroNode(slot uint64) {
	for c := 0; c < g.NumCols; c++ {
		g.SetCovg(slot, c, 0)
		g.ClearColor(slot, c)
	}
	if g.NumEdgeCols > 0 {
		for c := 0; c < g.NumEdgeCols; c++ {
			g.SetEdges(slot, c, 0)
		}
	} else {
		g.SetEdges(slot, 0, 0)
	}
	g.Table.Delete(slot)
}

// Prune removes every slot for which keep returns false, trimming surviving
// nodes' edges toward removed neighbors first.  Deletion is not concurrent-
// safe, so Prune runs strictly single-threaded; callers must quiesce all
// other graph access for the duration.
func (g *Graph) Prune(keep func(slot uint64) bool) (removed uint64) {
	// Pass 1: drop edges pointing at doomed nodes.
	g.Table.Iterate(func(slot uint64) {
		if !keep(slot) {
			return
		}
		union := g.EdgesUnion(slot)
		if union == 0 {
			return
		}
		bkey := g.Bkey(slot)
		for orient := kmer.Forward; orient <= kmer.Reverse; orient++ {
			for n := kmer.NucA; n <= kmer.NucT; n++ {
				if !union.Has(n, orient) {
					continue
				}
				next, _, ok := g.NextNode(bkey, n, orient)
				if ok && keep(next) {
					continue
				}
				bit := EdgeBit(n, orient)
				if g.NumEdgeCols > 0 {
					for c := 0; c < g.NumEdgeCols; c++ {
						g.SetEdges(slot, c, g.Edges(slot, c)&^bit)
					}
				} else {
					g.SetEdges(slot, 0, g.Edges(slot, 0)&^bit)
				}
			}
		}
	})
	// Pass 2: wipe and delete the doomed nodes.
	g.Table.Iterate(func(slot uint64) {
		if !keep(slot) {
			g.zeroNode(slot)
			removed++
		}
	})
	return removed
}
