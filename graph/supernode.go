package graph

import (
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
)

// Node is a slot plus the orientation in which a traversal reads it.
type Node struct {
	Slot   uint64
	Orient kmer.Orientation
}

// opposite flips a node for walking the other way.
func (n Node) opposite() Node { return Node{n.Slot, n.Orient.Opposite()} }

// orientedBkey reads the node's key in its traversal orientation.
func (g *Graph) orientedBkey(n Node) kmer.Kmer {
	return g.Bkey(n.Slot).Oriented(g.KmerSize, n.Orient)
}

// supernodeExtend walks right from the last node of nodes along unique
// edges, appending nodes until the chain branches, ends, or would revisit
// the first or last node.  With limit > 0 the walk stops after limit nodes
// and reports false.
func (g *Graph) supernodeExtend(nodes []Node, limit int) ([]Node, bool) {
	node0 := nodes[0]
	node := nodes[len(nodes)-1]
	walk := g.orientedBkey(node)
	edges := g.EdgesUnion(node.Slot)
	for {
		n, ok := edges.PreciselyOne(node.Orient)
		if !ok {
			return nodes, true
		}
		walk = walk.LeftShiftAdd(g.KmerSize, n)
		key, orient := walk.Canonical(g.KmerSize)
		slot := g.Table.Find(key)
		if slot == khash.NotFound {
			// Dangling edge; the health check reports these.
			return nodes, true
		}
		next := Node{slot, orient}
		edges = g.EdgesUnion(slot)
		if _, one := edges.PreciselyOne(next.Orient.Opposite()); !one {
			return nodes, true
		}
		if next.Slot == node0.Slot || next.Slot == nodes[len(nodes)-1].Slot {
			// Don't walk into a loop A->B->A.
			return nodes, true
		}
		if limit > 0 && len(nodes) >= limit {
			return nodes, false
		}
		nodes = append(nodes, next)
		node = next
	}
}

func reverseComplementNodes(nodes []Node) {
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j].opposite(), nodes[i].opposite()
	}
	if len(nodes)%2 == 1 {
		nodes[len(nodes)/2] = nodes[len(nodes)/2].opposite()
	}
}

// Supernode returns the maximal unique-edge chain through slot, normalised.
// limit bounds the chain length when > 0.
func (g *Graph) Supernode(slot uint64, limit int) []Node {
	nodes := []Node{{Slot: slot, Orient: kmer.Forward}}
	nodes, _ = g.supernodeExtend(nodes, limit)
	reverseComplementNodes(nodes)
	nodes, _ = g.supernodeExtend(nodes, limit)
	g.SupernodeNormalise(nodes)
	return nodes
}

// isClosedCycle reports whether the chain wraps onto its own start.
func (g *Graph) isClosedCycle(nodes []Node) bool {
	first, last := nodes[0], nodes[len(nodes)-1]
	if g.EdgesUnion(first.Slot).Indegree(first.Orient) != 1 {
		return false
	}
	if g.EdgesUnion(last.Slot).Outdegree(last.Orient) != 1 {
		return false
	}
	bk0 := g.orientedBkey(first)
	shift := g.orientedBkey(last).LeftShiftAdd(g.KmerSize, bk0.LastNuc(g.KmerSize))
	if shift.Equal(bk0, kmer.Words(g.KmerSize)) {
		return true
	}
	return shift.ReverseComplement(g.KmerSize).Equal(bk0, kmer.Words(g.KmerSize))
}

// SupernodeNormalise rewrites nodes into its canonical presentation: a
// closed cycle is rotated to start at its lowest key read forward; an open
// chain is flipped so the smaller of its end keys comes first.
func (g *Graph) SupernodeNormalise(nodes []Node) {
	if len(nodes) <= 1 {
		if len(nodes) == 1 {
			nodes[0].Orient = kmer.Forward
		}
		return
	}
	nwords := kmer.Words(g.KmerSize)
	if g.isClosedCycle(nodes) {
		lowest, idx := g.Bkey(nodes[0].Slot), 0
		for i := 1; i < len(nodes); i++ {
			if bk := g.Bkey(nodes[i].Slot); bk.Less(lowest, nwords) {
				lowest, idx = bk, i
			}
		}
		if idx == 0 && nodes[0].Orient == kmer.Forward {
			return
		}
		if nodes[idx].Orient == kmer.Forward {
			rotateNodes(nodes, idx)
		} else {
			reverseComplementNodes(nodes[:idx+1])
			reverseComplementNodes(nodes[idx+1:])
		}
		return
	}
	if g.Bkey(nodes[len(nodes)-1].Slot).Less(g.Bkey(nodes[0].Slot), nwords) {
		reverseComplementNodes(nodes)
	}
}

// rotateNodes shifts nodes left by idx, preserving orientations.
func rotateNodes(nodes []Node, idx int) {
	tmp := make([]Node, idx)
	copy(tmp, nodes[:idx])
	copy(nodes, nodes[idx:])
	copy(nodes[len(nodes)-idx:], tmp)
}
