// Package graph implements the colored de Bruijn graph object: a k-mer hash
// table overlaid with per-color coverage counters, per-color edge masks, a
// color-membership bitmap, per-color sample metadata, and (optionally) a
// path store.  The overlay arrays are indexed by the hash table's stable
// slot numbers.
//
// Mutation follows a phase discipline.  During load and ingest phases the
// table and the coverage/membership arrays accept concurrent writers
// (coverage via saturating fetch-add, membership via atomic OR); edge bytes
// are written only by a slot's owning worker.  Traversal, health checking
// and pruning are separate phases: the first two are read-only, pruning is
// single-threaded because the hash table does not support concurrent
// deletion.
package graph

import (
	"math"
	"sync/atomic"

	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/cortex/paths"
)

// Graph owns the hash table and the store arrays attached to it.
type Graph struct {
	KmerSize    int
	NumCols     int
	NumEdgeCols int // NumCols for per-color edges, 0 for one merged mask
	Table       *khash.Table
	Infos       []Info
	PStore      *paths.Store // nil until AttachPaths

	covgs      []uint32 // capacity * NumCols
	colEdges   []Edges  // capacity * NumEdgeCols, per-color configuration
	edges      []Edges  // capacity, merged configuration
	nodeInCols []uint64 // capacity * NumCols bits
}

// New allocates a graph with capacity for at least capacityKmers keys.
// ncolsEdges selects the edge configuration: ncols for per-color edge masks,
// 0 for a single merged mask per k-mer.
func New(kmerSize, ncols, ncolsEdges int, capacityKmers uint64) (*Graph, error) {
	switch {
	case kmerSize < 3 || kmerSize%2 == 0:
		return nil, Errorf(Malformed, "unsupported kmer size %d", kmerSize)
	case kmerSize > kmer.MaxKmerSize:
		return nil, Errorf(Incompatible, "kmer size %d exceeds the maximum %d", kmerSize, kmer.MaxKmerSize)
	case ncols < 1:
		return nil, Errorf(Malformed, "need at least one color, got %d", ncols)
	case ncolsEdges != 0 && ncolsEdges != ncols:
		return nil, Errorf(Incompatible, "edge colors must be 0 or %d, got %d", ncols, ncolsEdges)
	}
	t := khash.New(kmerSize, capacityKmers)
	capacity := t.Capacity()
	g := &Graph{
		KmerSize:    kmerSize,
		NumCols:     ncols,
		NumEdgeCols: ncolsEdges,
		Table:       t,
		Infos:       make([]Info, ncols),
		covgs:       make([]uint32, capacity*uint64(ncols)),
		nodeInCols:  make([]uint64, (capacity*uint64(ncols)+63)/64),
	}
	if ncolsEdges > 0 {
		g.colEdges = make([]Edges, capacity*uint64(ncolsEdges))
	} else {
		g.edges = make([]Edges, capacity)
	}
	return g, nil
}

// AttachPaths wires a path store sized to this graph's capacity.
func (g *Graph) AttachPaths(capBytes uint64) {
	g.PStore = paths.NewStore(capBytes, g.Table.Capacity(), g.NumCols)
}

// Covg returns the coverage counter for (slot, color).
func (g *Graph) Covg(slot uint64, col int) uint32 {
	return atomic.LoadUint32(&g.covgs[slot*uint64(g.NumCols)+uint64(col)])
}

// AddCovg adds delta to the (slot, color) counter, saturating at the
// 32-bit maximum.
func (g *Graph) AddCovg(slot uint64, col int, delta uint32) {
	p := &g.covgs[slot*uint64(g.NumCols)+uint64(col)]
	for {
		old := atomic.LoadUint32(p)
		nv := old + delta
		if nv < old {
			nv = math.MaxUint32
		}
		if atomic.CompareAndSwapUint32(p, old, nv) {
			return
		}
	}
}

// SetCovg overwrites the (slot, color) counter.
func (g *Graph) SetCovg(slot uint64, col int, v uint32) {
	atomic.StoreUint32(&g.covgs[slot*uint64(g.NumCols)+uint64(col)], v)
}

// Edges returns the edge mask for (slot, color); in the merged configuration
// the color is ignored.
func (g *Graph) Edges(slot uint64, col int) Edges {
	if g.NumEdgeCols > 0 {
		return g.colEdges[slot*uint64(g.NumEdgeCols)+uint64(col)]
	}
	return g.edges[slot]
}

// OrEdges unions e into the (slot, color) mask.
func (g *Graph) OrEdges(slot uint64, col int, e Edges) {
	if g.NumEdgeCols > 0 {
		g.colEdges[slot*uint64(g.NumEdgeCols)+uint64(col)] |= e
	} else {
		g.edges[slot] |= e
	}
}

// SetEdges overwrites the (slot, color) mask.
func (g *Graph) SetEdges(slot uint64, col int, e Edges) {
	if g.NumEdgeCols > 0 {
		g.colEdges[slot*uint64(g.NumEdgeCols)+uint64(col)] = e
	} else {
		g.edges[slot] = e
	}
}

// EdgesUnion returns the bitwise OR of the slot's masks across colors.
func (g *Graph) EdgesUnion(slot uint64) Edges {
	if g.NumEdgeCols == 0 {
		return g.edges[slot]
	}
	var u Edges
	base := slot * uint64(g.NumEdgeCols)
	for c := 0; c < g.NumEdgeCols; c++ {
		u |= g.colEdges[base+uint64(c)]
	}
	return u
}

// HasColor reports whether the membership bit for (slot, color) is set.
func (g *Graph) HasColor(slot uint64, col int) bool {
	bit := slot*uint64(g.NumCols) + uint64(col)
	w := atomic.LoadUint64(&g.nodeInCols[bit/64])
	return w&(1<<(bit%64)) != 0
}

// SetColor sets the membership bit for (slot, color).
func (g *Graph) SetColor(slot uint64, col int) {
	bit := slot*uint64(g.NumCols) + uint64(col)
	p := &g.nodeInCols[bit/64]
	mask := uint64(1) << (bit % 64)
	for {
		old := atomic.LoadUint64(p)
		if old&mask != 0 || atomic.CompareAndSwapUint64(p, old, old|mask) {
			return
		}
	}
}

// ClearColor clears the membership bit for (slot, color).  Single-threaded
// phases only, like deletion.
func (g *Graph) ClearColor(slot uint64, col int) {
	bit := slot*uint64(g.NumCols) + uint64(col)
	g.nodeInCols[bit/64] &^= uint64(1) << (bit % 64)
}

// Bkey returns the canonical key stored at slot.
func (g *Graph) Bkey(slot uint64) kmer.Kmer { return g.Table.Bkey(slot) }

// NextNode follows the (nuc, orient) edge out of the k-mer at bkey: it
// computes the shifted neighbor, canonicalizes it, and looks it up.  The
// returned orientation is Forward when the shifted k-mer equals its
// canonical form.
func (g *Graph) NextNode(bkey kmer.Kmer, n kmer.Nuc, o kmer.Orientation) (slot uint64, orient kmer.Orientation, ok bool) {
	var shifted kmer.Kmer
	if o == kmer.Forward {
		shifted = bkey.LeftShiftAdd(g.KmerSize, n)
	} else {
		shifted = bkey.RightShiftAdd(g.KmerSize, n.Complement())
	}
	key, orient := shifted.Canonical(g.KmerSize)
	slot = g.Table.Find(key)
	return slot, orient, slot != khash.NotFound
}
