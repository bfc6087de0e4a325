// Package kmer implements fixed-width 2-bit encodings of DNA k-mers, up to
// MaxKmerSize bases.  A k-mer is stored in a little-endian array of 64-bit
// words: word 0 holds the leftmost bases in its low bits, the last used word
// holds the rightmost 32 bases, and all bits above position 2k mod 64 in word
// 0 are zero (when 2k is a multiple of 64, word 0 uses all 64 bits).  For odd
// k the top two bits of word 0 are therefore always zero and the all-ones
// pattern is never a valid word 0, which the hash table exploits as its
// empty-slot sentinel.
package kmer

import (
	"fmt"
)

const (
	// MaxKmerSize is the largest supported k-mer length.
	MaxKmerSize = 127
	// MaxWords is the number of 64-bit words needed for a MaxKmerSize-mer.
	MaxWords = (MaxKmerSize*2 + 63) / 64

	invalidNucBits = uint8(255)
)

// Nuc is a 2-bit nucleotide code: A=0, C=1, G=2, T=3.
type Nuc uint8

const (
	NucA Nuc = 0
	NucC Nuc = 1
	NucG Nuc = 2
	NucT Nuc = 3
)

// Orientation distinguishes reading a k-mer as stored (Forward) from reading
// its reverse complement (Reverse).
type Orientation uint8

const (
	Forward Orientation = 0
	Reverse Orientation = 1
)

// Opposite returns the flipped orientation.
func (o Orientation) Opposite() Orientation { return 1 - o }

var (
	asciiToNucMap [256]uint8
	nucToAsciiMap = [4]byte{'A', 'C', 'G', 'T'}
)

func init() {
	for i := range asciiToNucMap {
		asciiToNucMap[i] = invalidNucBits
	}
	asciiToNucMap['A'] = 0
	asciiToNucMap['a'] = 0
	asciiToNucMap['C'] = 1
	asciiToNucMap['c'] = 1
	asciiToNucMap['G'] = 2
	asciiToNucMap['g'] = 2
	asciiToNucMap['T'] = 3
	asciiToNucMap['t'] = 3
}

// NucFromChar converts an ASCII base (either case) to its 2-bit code.
func NucFromChar(ch byte) (Nuc, bool) {
	b := asciiToNucMap[ch]
	return Nuc(b), b != invalidNucBits
}

// Complement returns the Watson-Crick complement of n.
func (n Nuc) Complement() Nuc { return 3 - n }

// Char returns the ASCII base for n.
func (n Nuc) Char() byte { return nucToAsciiMap[n&3] }

// Kmer is a packed k-mer of up to MaxKmerSize bases.  The k-mer length is not
// stored; callers thread it through explicitly, the way the rest of this
// repository threads the graph's kmer size.
type Kmer [MaxWords]uint64

// Words returns the number of 64-bit words used by a k-mer of length k.
func Words(k int) int { return (k*2 + 63) / 64 }

// topBits returns the number of bits used in word 0 for kmer length k, in
// (0, 64].
func topBits(k int) uint {
	b := uint(k*2) % 64
	if b == 0 {
		b = 64
	}
	return b
}

// TopWordMask returns the mask of valid bits in word 0 for kmer length k.
func TopWordMask(k int) uint64 {
	b := topBits(k)
	if b == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << b) - 1
}

// nucAt returns the i'th base counting from the rightmost base (i=0).
func (bk Kmer) nucAt(k, i int) Nuc {
	p := uint(i * 2)
	return Nuc((bk[Words(k)-1-int(p/64)] >> (p % 64)) & 3)
}

// FirstNuc returns the leftmost base.
func (bk Kmer) FirstNuc(k int) Nuc { return bk.nucAt(k, k-1) }

// LastNuc returns the rightmost base.
func (bk Kmer) LastNuc(k int) Nuc { return bk.nucAt(k, 0) }

// SetLastNuc overwrites the rightmost base.
func (bk *Kmer) SetLastNuc(k int, n Nuc) {
	w := Words(k) - 1
	bk[w] = (bk[w] &^ 3) | uint64(n)
}

// SetFirstNuc overwrites the leftmost base.
func (bk *Kmer) SetFirstNuc(k int, n Nuc) {
	shift := topBits(k) - 2
	bk[0] = (bk[0] &^ (3 << shift)) | uint64(n)<<shift
}

// LeftShiftAdd drops the leftmost base and appends n on the right:
// ACGTT + A -> CGTTA.
func (bk Kmer) LeftShiftAdd(k int, n Nuc) Kmer {
	w := Words(k)
	for i := 0; i < w-1; i++ {
		bk[i] = bk[i]<<2 | bk[i+1]>>62
	}
	bk[w-1] = bk[w-1]<<2 | uint64(n)
	bk[0] &= TopWordMask(k)
	return bk
}

// RightShiftAdd drops the rightmost base and prepends n on the left:
// ACGTT + A -> AACGT.
func (bk Kmer) RightShiftAdd(k int, n Nuc) Kmer {
	w := Words(k)
	for i := w - 1; i > 0; i-- {
		bk[i] = bk[i]>>2 | bk[i-1]<<62
	}
	bk[0] >>= 2
	bk[0] |= uint64(n) << (topBits(k) - 2)
	return bk
}

// ReverseComplement returns the reverse complement of bk.
func (bk Kmer) ReverseComplement(k int) Kmer {
	var rc Kmer
	w := Words(k)
	for i := 0; i < k; i++ {
		n := bk.nucAt(k, i).Complement()
		for j := 0; j < w-1; j++ {
			rc[j] = rc[j]<<2 | rc[j+1]>>62
		}
		rc[w-1] = rc[w-1]<<2 | uint64(n)
	}
	rc[0] &= TopWordMask(k)
	return rc
}

// Canonical returns the lexicographically smaller of bk and its reverse
// complement, along with the orientation in which bk reads as the returned
// key.  A palindromic k-mer is its own key, oriented Forward.
func (bk Kmer) Canonical(k int) (Kmer, Orientation) {
	rc := bk.ReverseComplement(k)
	if rc.Less(bk, Words(k)) {
		return rc, Reverse
	}
	return bk, Forward
}

// Key returns the canonical key of bk without the orientation.
func (bk Kmer) Key(k int) Kmer {
	key, _ := bk.Canonical(k)
	return key
}

// Oriented returns bk read in the given orientation.
func (bk Kmer) Oriented(k int, o Orientation) Kmer {
	if o == Reverse {
		return bk.ReverseComplement(k)
	}
	return bk
}

// Equal compares the first nwords words.
func (bk Kmer) Equal(other Kmer, nwords int) bool {
	for i := 0; i < nwords; i++ {
		if bk[i] != other[i] {
			return false
		}
	}
	return true
}

// Less orders k-mers by multi-word lexicographic compare, word 0 most
// significant.  Unused high bits are zero, so this is also numeric order.
func (bk Kmer) Less(other Kmer, nwords int) bool {
	for i := 0; i < nwords; i++ {
		if bk[i] != other[i] {
			return bk[i] < other[i]
		}
	}
	return false
}

// Encode packs an ACGT string.  Lowercase is accepted; any other byte is an
// error.
func Encode(s string) (Kmer, error) {
	var bk Kmer
	if len(s) > MaxKmerSize {
		return bk, fmt.Errorf("kmer length %d exceeds maximum %d", len(s), MaxKmerSize)
	}
	w := Words(len(s))
	for i := 0; i < len(s); i++ {
		b := asciiToNucMap[s[i]]
		if b == invalidNucBits {
			return bk, fmt.Errorf("invalid base %q at position %d", s[i], i)
		}
		for j := 0; j < w-1; j++ {
			bk[j] = bk[j]<<2 | bk[j+1]>>62
		}
		bk[w-1] = bk[w-1]<<2 | uint64(b)
	}
	return bk, nil
}

// MustEncode is Encode for known-good literals in tests and examples.
func MustEncode(s string) Kmer {
	bk, err := Encode(s)
	if err != nil {
		panic(err)
	}
	return bk
}

// String renders the leftmost k bases of bk as ASCII.
func (bk Kmer) String(k int) string {
	out := make([]byte, k)
	for i := 0; i < k; i++ {
		out[i] = bk.nucAt(k, k-1-i).Char()
	}
	return string(out)
}
