package graph

import (
	"math/bits"

	"github.com/grailbio/cortex/kmer"
)

// Edges is the per-kmer 8-bit adjacency mask.  The low nibble holds the four
// outgoing nucleotides in the Forward orientation, the high nibble the four
// in Reverse.  Bit (nuc, orient) set means the k-mer reached by shifting nuc
// in on that side (complemented on the Reverse side) is present.
type Edges uint8

// EdgeBit returns the mask bit for (nuc, orient).
func EdgeBit(n kmer.Nuc, o kmer.Orientation) Edges {
	return Edges(1) << (uint(n) + 4*uint(o))
}

// Has reports whether the (nuc, orient) edge is set.
func (e Edges) Has(n kmer.Nuc, o kmer.Orientation) bool {
	return e&EdgeBit(n, o) != 0
}

// Set returns e with the (nuc, orient) edge added.
func (e Edges) Set(n kmer.Nuc, o kmer.Orientation) Edges {
	return e | EdgeBit(n, o)
}

// Del returns e with the (nuc, orient) edge removed.
func (e Edges) Del(n kmer.Nuc, o kmer.Orientation) Edges {
	return e &^ EdgeBit(n, o)
}

// withOrientation returns the nibble of outgoing edges for orient.
func (e Edges) withOrientation(o kmer.Orientation) Edges {
	return (e >> (4 * uint(o))) & 0xf
}

// Outdegree counts outgoing edges in the given orientation.
func (e Edges) Outdegree(o kmer.Orientation) int {
	return bits.OnesCount8(uint8(e.withOrientation(o)))
}

// Indegree counts incoming edges in the given orientation, i.e. outgoing
// edges of the opposite read direction.
func (e Edges) Indegree(o kmer.Orientation) int {
	return e.Outdegree(o.Opposite())
}

// PreciselyOne reports whether exactly one edge leaves in orientation o and,
// if so, which nucleotide it shifts in.
func (e Edges) PreciselyOne(o kmer.Orientation) (kmer.Nuc, bool) {
	nib := uint8(e.withOrientation(o))
	if bits.OnesCount8(nib) != 1 {
		return 0, false
	}
	return kmer.Nuc(bits.TrailingZeros8(nib)), true
}
