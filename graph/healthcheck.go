package graph

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
)

// ViolationKind names a class of graph invariant failure.
type ViolationKind int

const (
	// NeighborMissing: an edge bit points at a k-mer absent from the table.
	NeighborMissing ViolationKind = iota
	// ColorMissing: the neighbor exists but lacks the edge's color.
	ColorMissing
	// NodeEmpty: an occupied slot with no coverage, no edges and no color
	// membership in any color.
	NodeEmpty
	// PathEdgeMissing: a stored path steps along an edge that is not set.
	PathEdgeMissing
	// PathNodeMissing: a stored path reaches a k-mer absent from the table.
	PathNodeMissing
)

func (k ViolationKind) String() string {
	switch k {
	case NeighborMissing:
		return "neighbor-missing"
	case ColorMissing:
		return "color-missing"
	case NodeEmpty:
		return "node-empty"
	case PathEdgeMissing:
		return "path-edge-missing"
	case PathNodeMissing:
		return "path-node-missing"
	}
	return "unknown"
}

// Violation pinpoints one invariant failure.
type Violation struct {
	Kind   ViolationKind
	Slot   uint64
	Color  int
	Nuc    kmer.Nuc
	Orient kmer.Orientation
	// Step is the nucleotide index within a path, for path violations.
	Step int
}

// HealthReport is the structured result of an integrity walk.
type HealthReport struct {
	KmersChecked uint64
	PathsChecked uint64
	Violations   []Violation
}

// OK reports whether the walk found no violations.
func (r HealthReport) OK() bool { return len(r.Violations) == 0 }

// HealthCheck walks every occupied slot verifying the edge invariant: each
// set edge bit must lead to a present neighbor carrying the edge's color.
// With checkEdges false only node-level checks run.  The graph must be
// quiescent (no concurrent writers).
func (g *Graph) HealthCheck(checkEdges bool) HealthReport {
	var report HealthReport
	g.Table.Iterate(func(slot uint64) {
		report.KmersChecked++
		if g.nodeEmpty(slot) {
			report.Violations = append(report.Violations, Violation{Kind: NodeEmpty, Slot: slot})
		}
		if !checkEdges {
			return
		}
		bkey := g.Bkey(slot)
		ncols := g.NumEdgeCols
		if ncols == 0 {
			ncols = 1 // merged configuration: one mask, no color check
		}
		for col := 0; col < ncols; col++ {
			e := g.Edges(slot, col)
			if e == 0 {
				continue
			}
			for orient := kmer.Forward; orient <= kmer.Reverse; orient++ {
				for n := kmer.NucA; n <= kmer.NucT; n++ {
					if !e.Has(n, orient) {
						continue
					}
					next, _, ok := g.NextNode(bkey, n, orient)
					if !ok {
						report.Violations = append(report.Violations, Violation{
							Kind: NeighborMissing, Slot: slot, Color: col, Nuc: n, Orient: orient})
						continue
					}
					if g.NumEdgeCols > 0 && !g.HasColor(next, col) {
						report.Violations = append(report.Violations, Violation{
							Kind: ColorMissing, Slot: slot, Color: col, Nuc: n, Orient: orient})
					}
				}
			}
		}
	})
	if !report.OK() {
		log.Error.Printf("health check: %d violations over %d kmers",
			len(report.Violations), report.KmersChecked)
	}
	return report
}

func (g *Graph) nodeEmpty(slot uint64) bool {
	for c := 0; c < g.NumCols; c++ {
		if g.Covg(slot, c) > 0 || g.HasColor(slot, c) {
			return false
		}
	}
	return g.EdgesUnion(slot) == 0
}

// CheckPathsTrace replays every stored path through the graph: each
// nucleotide must follow a set edge to a present k-mer.  Requires an
// attached path store.
func (g *Graph) CheckPathsTrace() HealthReport {
	var report HealthReport
	if g.PStore == nil {
		return report
	}
	g.Table.Iterate(func(slot uint64) {
		g.PStore.Iterate(slot, func(pindex uint64) bool {
			report.PathsChecked++
			g.tracePath(slot, pindex, &report)
			return true
		})
	})
	return report
}

func (g *Graph) tracePath(slot, pindex uint64, report *HealthReport) {
	walk := g.Bkey(slot) // paths extend the key read forward
	orient := kmer.Forward
	cur := slot
	plen := int(g.PStore.PathLen(pindex))
	for i := 0; i < plen; i++ {
		n := g.PStore.Nuc(pindex, i)
		if !g.EdgesUnion(cur).Has(n, orient) {
			report.Violations = append(report.Violations, Violation{
				Kind: PathEdgeMissing, Slot: slot, Nuc: n, Orient: orient, Step: i})
			return
		}
		walk = walk.LeftShiftAdd(g.KmerSize, n)
		key, o := walk.Canonical(g.KmerSize)
		next := g.Table.Find(key)
		if next == khash.NotFound {
			report.Violations = append(report.Violations, Violation{
				Kind: PathNodeMissing, Slot: slot, Nuc: n, Orient: orient, Step: i})
			return
		}
		cur, orient = next, o
	}
}
