package paths

import (
	"runtime"
	"sync/atomic"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
	"github.com/pkg/errors"
)

// pindexSentinel marks a hash entry whose record has not yet been written to
// the arena.  Readers treat such entries as not-yet-committed.
const pindexSentinel = PathNull

const busyWord = ^uint64(0) - 1

// ErrHashFull is returned when the path hash probe sequence is saturated.
var ErrHashFull = errors.New("path hash is full")

// Hash deduplicates paths: it maps (start kmer, length, packed sequence) to
// the record's arena offset.  Only the first packed byte lives in the entry;
// longer sequences are compared through the arena.  Insertion is two-step:
// FindOrInsert claims the entry with a sentinel pindex, the caller appends
// the record, then SetPindex commits the offset.
type Hash struct {
	nwords int

	// words holds capacity*nwords key words; meta[i] packs
	// pindex:40 | plen:16 | first seq byte:8 for entry i.
	words []uint64
	meta  []uint64
	fill  []uint32

	numBuckets uint64
	bucketSize uint64
	capacity   uint64
	mask       uint64

	numEntries uint64 // atomic
}

// NewHash allocates a path hash with capacity for at least reqCapacity
// entries, keyed by k-mers of length kmerSize.
func NewHash(kmerSize int, reqCapacity uint64) *Hash {
	numBuckets, bucketSize := khash.RoundCapacity(reqCapacity)
	capacity := numBuckets * bucketSize
	nwords := kmer.Words(kmerSize)
	h := &Hash{
		nwords:     nwords,
		words:      make([]uint64, capacity*uint64(nwords)),
		meta:       make([]uint64, capacity),
		fill:       make([]uint32, numBuckets),
		numBuckets: numBuckets,
		bucketSize: bucketSize,
		capacity:   capacity,
		mask:       numBuckets - 1,
	}
	for s := uint64(0); s < capacity; s++ {
		h.words[s*uint64(nwords)] = khash.UnsetWord
	}
	return h
}

// NumEntries returns the number of committed or in-flight entries.
func (h *Hash) NumEntries() uint64 { return atomic.LoadUint64(&h.numEntries) }

func packMeta(pindex uint64, plen uint16, seq0 byte) uint64 {
	return pindex | uint64(plen)<<40 | uint64(seq0)<<56
}

func metaPindex(m uint64) uint64 { return m & PathNull }
func metaPlen(m uint64) uint16   { return uint16(m >> 40) }
func metaSeq0(m uint64) byte     { return byte(m >> 56) }

// hashRound digests the path bytes for one probe round: a seahash of
// [plen][seq] remixed with the start kmer and the round index.
func hashRound(packed []byte, bkey kmer.Kmer, round uint64) uint64 {
	v := seahash.Sum64(packed) ^ bkey[0]
	v += (round ^ bkey[1]) * 0x9e3779b97f4a7c15
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	return v
}

// Pindex returns the committed arena offset of entry pos, spinning through
// an in-flight two-step insert.
func (h *Hash) Pindex(pos uint64) uint64 {
	for {
		p := metaPindex(atomic.LoadUint64(&h.meta[pos]))
		if p != pindexSentinel {
			return p
		}
		runtime.Gosched()
	}
}

// SetPindex commits the arena offset of a freshly inserted entry.
func (h *Hash) SetPindex(pos, pindex uint64) {
	for {
		old := atomic.LoadUint64(&h.meta[pos])
		nv := old&^PathNull | pindex
		if atomic.CompareAndSwapUint64(&h.meta[pos], old, nv) {
			return
		}
	}
}

// entryMatches compares entry pos against (bkey, plen, seq).  For paths of
// more than 4 nucleotides the full packed sequence is fetched through the
// store.
func (h *Hash) entryMatches(pos uint64, bkey kmer.Kmer, plen uint16, seq []byte, store *Store) bool {
	m := atomic.LoadUint64(&h.meta[pos])
	if metaPlen(m) != plen || metaSeq0(m) != seq[0] {
		return false
	}
	base := pos * uint64(h.nwords)
	for i := 1; i < h.nwords; i++ {
		if h.words[base+uint64(i)] != bkey[i] {
			return false
		}
	}
	if plen <= 4 {
		return true
	}
	return PackedEqual(store.Seq(h.Pindex(pos)), seq, int(plen))
}

// FindOrInsert locates the entry for (bkey, packed path) or claims a new
// one.  packed is [plen:2 little-endian][packed seq].  Callers hold the
// start kmer's slot lock in the store; on inserted=true the caller must
// append the record and call SetPindex.  On inserted=false the committed
// pindex should be reused rather than re-appending.
func (h *Hash) FindOrInsert(bkey kmer.Kmer, packed []byte, store *Store) (pos uint64, inserted bool, err error) {
	plen := uint16(packed[0]) | uint16(packed[1])<<8
	seq := packed[lenBytes:]
	for round := uint64(0); round < khash.RehashLimit; round++ {
		bucket := hashRound(packed, bkey, round) & h.mask
		first := bucket * h.bucketSize
		for i := uint64(0); i < h.bucketSize; i++ {
			pos := first + i
			base := pos * uint64(h.nwords)
			for {
				w0 := atomic.LoadUint64(&h.words[base])
				for w0 == busyWord {
					runtime.Gosched()
					w0 = atomic.LoadUint64(&h.words[base])
				}
				if w0 == khash.UnsetWord {
					if !atomic.CompareAndSwapUint64(&h.words[base], khash.UnsetWord, busyWord) {
						continue
					}
					for w := 1; w < h.nwords; w++ {
						h.words[base+uint64(w)] = bkey[w]
					}
					atomic.StoreUint64(&h.meta[pos], packMeta(pindexSentinel, plen, seq[0]))
					atomic.StoreUint64(&h.words[base], bkey[0])
					atomic.AddUint32(&h.fill[bucket], 1)
					atomic.AddUint64(&h.numEntries, 1)
					return pos, true, nil
				}
				if w0 == bkey[0] && h.entryMatches(pos, bkey, plen, seq, store) {
					return pos, false, nil
				}
				break
			}
		}
	}
	return 0, false, ErrHashFull
}
