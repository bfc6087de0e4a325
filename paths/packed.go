package paths

import (
	"github.com/grailbio/cortex/kmer"
)

// PackNucs packs nucleotides four to a byte, first nucleotide in the low
// bits of the first byte.
func PackNucs(nucs []kmer.Nuc) []byte {
	out := make([]byte, SeqBytes(len(nucs)))
	for i, n := range nucs {
		out[i/4] |= byte(n) << (uint(i%4) * 2)
	}
	return out
}

// UnpackNucs expands a packed sequence of plen nucleotides.
func UnpackNucs(seq []byte, plen int) []kmer.Nuc {
	out := make([]kmer.Nuc, plen)
	for i := range out {
		out[i] = kmer.Nuc((seq[i/4] >> (uint(i%4) * 2)) & 3)
	}
	return out
}

// ReadRecord decodes the record at off in a raw arena laid out for ncols
// colors, as produced by Store.Arena.
func ReadRecord(arena []byte, off uint64, ncols int) (prev uint64, plen uint16, seq, colors []byte) {
	prev = getU40(arena[off:])
	plen = uint16(arena[off+prevBytes]) | uint16(arena[off+prevBytes+1])<<8
	seqOff := off + prevBytes + lenBytes
	seq = arena[seqOff : seqOff+uint64(SeqBytes(int(plen)))]
	colOff := seqOff + uint64(SeqBytes(int(plen)))
	colors = arena[colOff : colOff+uint64(ColorBytes(ncols))]
	return prev, plen, seq, colors
}

// PackedEqual compares the first plen nucleotides of two packed sequences.
// Trailing bits of the final byte are masked out of the comparison.
func PackedEqual(a, b []byte, plen int) bool {
	nb := SeqBytes(plen)
	for i := 0; i < nb-1; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	if nb == 0 {
		return true
	}
	rem := uint(plen % 4)
	mask := byte(0xff)
	if rem != 0 {
		mask = 1<<(rem*2) - 1
	}
	return a[nb-1]&mask == b[nb-1]&mask
}
