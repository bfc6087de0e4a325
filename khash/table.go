// Package khash implements the fixed-capacity hash table mapping canonical
// k-mers to stable slot indexes.  The table is bucketed open addressing: a
// power-of-two number of buckets, each a contiguous run of up to
// MaxBucketSize slots, probed bucket-at-a-time with a per-round reseeded
// hash.  Occupancy is in-band: word 0 of an empty slot is all-ones, a
// pattern no valid k-mer can produce because its high bits are zeroed.
//
// Insertion is lock-free and safe under concurrent inserters and readers.
// Deletion is not; callers must confine deletes to single-threaded phases.
package khash

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cortex/kmer"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// MaxBucketSize is the largest number of slots per bucket.
	MaxBucketSize = 32
	// RehashLimit bounds the number of reseed rounds in a probe sequence.
	RehashLimit = 16

	// UnsetWord marks an empty slot (in word 0).
	UnsetWord = ^uint64(0)
	// busyWord marks a slot claimed by an in-flight insert.  Like UnsetWord
	// it cannot collide with a real k-mer: word 0 of any odd-length key of
	// length <= kmer.MaxKmerSize has bits 62 and 63 clear.
	busyWord = ^uint64(0) - 1

	hugePageSize = 2 << 20
)

// NotFound is the slot value reported when a key is absent.
var NotFound = ^uint64(0)

// ErrFull is returned when every bucket in the probe sequence is saturated.
var ErrFull = errors.New("hash table is full")

// Table is a fixed-capacity open-addressed k-mer hash table.  Slot indexes
// are stable for the table's lifetime; capacity is fixed at allocation.
type Table struct {
	kmerSize int
	nwords   int
	topMask  uint64

	// words holds capacity*nwords uint64s; slot s occupies
	// words[s*nwords : (s+1)*nwords].
	words []uint64
	// fill[b] counts occupied slots in bucket b.
	fill []uint32

	numBuckets uint64
	bucketSize uint64
	capacity   uint64
	mask       uint64 // numBuckets - 1

	numKmers uint64 // atomic
}

// RoundCapacity converts a requested kmer count into bucket geometry:
// a power-of-two bucket count and a bucket size of at most MaxBucketSize,
// whose product is at least req.
func RoundCapacity(req uint64) (numBuckets, bucketSize uint64) {
	if req == 0 {
		req = 1
	}
	numBuckets = 1
	if req > MaxBucketSize {
		numBuckets = uint64(1) << uint(bits.Len64((req-1)/MaxBucketSize))
	}
	bucketSize = (req + numBuckets - 1) / numBuckets
	return numBuckets, bucketSize
}

// New allocates a table for k-mers of length kmerSize with capacity for at
// least reqCapacity keys.
func New(kmerSize int, reqCapacity uint64) *Table {
	numBuckets, bucketSize := RoundCapacity(reqCapacity)
	capacity := numBuckets * bucketSize
	nwords := kmer.Words(kmerSize)
	t := &Table{
		kmerSize:   kmerSize,
		nwords:     nwords,
		topMask:    kmer.TopWordMask(kmerSize),
		words:      allocWords(capacity * uint64(nwords)),
		fill:       make([]uint32, numBuckets),
		numBuckets: numBuckets,
		bucketSize: bucketSize,
		capacity:   capacity,
		mask:       numBuckets - 1,
	}
	for s := uint64(0); s < capacity; s++ {
		t.words[s*uint64(nwords)] = UnsetWord
	}
	return t
}

// allocWords obtains the slot array.  Large tables come from an anonymous
// mapping advised to use transparent hugepages, which cuts TLB misses during
// probing; anything small, or any mmap failure, falls back to the regular
// allocator.
func allocWords(n uint64) []uint64 {
	nbytes := int(n * 8)
	if nbytes < hugePageSize {
		return make([]uint64, n)
	}
	data, err := unix.Mmap(-1, 0, nbytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return make([]uint64, n)
	}
	if err := unix.Madvise(data, unix.MADV_HUGEPAGE); err != nil {
		log.Debug.Printf("khash: madvise: %v", err)
	}
	return castToUint64s(data)[:n:n]
}

// KmerSize returns the k this table was built for.
func (t *Table) KmerSize() int { return t.kmerSize }

// NumWords returns the number of 64-bit words per stored key.
func (t *Table) NumWords() int { return t.nwords }

// Capacity returns the total number of slots.
func (t *Table) Capacity() uint64 { return t.capacity }

// NumKmers returns the number of occupied slots.
func (t *Table) NumKmers() uint64 { return atomic.LoadUint64(&t.numKmers) }

// Bkey returns the key stored at an occupied slot.
func (t *Table) Bkey(slot uint64) kmer.Kmer {
	var bk kmer.Kmer
	base := slot * uint64(t.nwords)
	bk[0] = atomic.LoadUint64(&t.words[base])
	for i := 1; i < t.nwords; i++ {
		bk[i] = t.words[base+uint64(i)]
	}
	return bk
}

// Occupied reports whether slot currently holds a key.
func (t *Table) Occupied(slot uint64) bool {
	w0 := atomic.LoadUint64(&t.words[slot*uint64(t.nwords)])
	return w0 != UnsetWord && w0 != busyWord
}

func (t *Table) checkKey(bkey kmer.Kmer) error {
	if bkey[0]&^t.topMask != 0 {
		return errors.Errorf("malformed bkey %#x: high bits set above 2k=%d", bkey[0], 2*t.kmerSize)
	}
	return nil
}

// hashRound computes the probe hash for the given reseed round.
func (t *Table) hashRound(bkey kmer.Kmer, round uint64) uint64 {
	var buf [kmer.MaxWords * 8]byte
	for i := 0; i < t.nwords; i++ {
		w := bkey[i]
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(w >> uint(8*j))
		}
	}
	seed1 := round
	if t.nwords > 1 {
		seed1 ^= bkey[1] - round
	}
	return farm.Hash64WithSeeds(buf[:t.nwords*8], bkey[0], seed1)
}

// matchAt compares the key at slot against bkey, spinning through an
// in-flight insert.  Returns (matched, empty).
func (t *Table) matchAt(slot uint64, bkey kmer.Kmer) (bool, bool) {
	base := slot * uint64(t.nwords)
	w0 := atomic.LoadUint64(&t.words[base])
	for w0 == busyWord {
		runtime.Gosched()
		w0 = atomic.LoadUint64(&t.words[base])
	}
	if w0 == UnsetWord {
		return false, true
	}
	if w0 != bkey[0] {
		return false, false
	}
	for i := 1; i < t.nwords; i++ {
		if t.words[base+uint64(i)] != bkey[i] {
			return false, false
		}
	}
	return true, false
}

// Find returns the slot holding bkey, or NotFound.
func (t *Table) Find(bkey kmer.Kmer) uint64 {
	for round := uint64(0); round < RehashLimit; round++ {
		bucket := t.hashRound(bkey, round) & t.mask
		slot := bucket * t.bucketSize
		sawEmpty := false
		for i := uint64(0); i < t.bucketSize; i++ {
			match, empty := t.matchAt(slot+i, bkey)
			if match {
				return slot + i
			}
			sawEmpty = sawEmpty || empty
		}
		if sawEmpty || atomic.LoadUint32(&t.fill[bucket]) < uint32(t.bucketSize) {
			return NotFound
		}
	}
	return NotFound
}

// FindOrInsert returns the slot for bkey, inserting it if absent.  found
// reports whether the key was already present.  Concurrent callers racing on
// the same key resolve to the same slot.
func (t *Table) FindOrInsert(bkey kmer.Kmer) (slot uint64, found bool, err error) {
	if err = t.checkKey(bkey); err != nil {
		return NotFound, false, err
	}
	for round := uint64(0); round < RehashLimit; round++ {
		bucket := t.hashRound(bkey, round) & t.mask
		first := bucket * t.bucketSize
		for i := uint64(0); i < t.bucketSize; i++ {
			s := first + i
			base := s * uint64(t.nwords)
			for {
				match, empty := t.matchAt(s, bkey)
				if match {
					return s, true, nil
				}
				if !empty {
					break
				}
				if !atomic.CompareAndSwapUint64(&t.words[base], UnsetWord, busyWord) {
					// Lost the race; re-examine the slot.
					continue
				}
				for w := 1; w < t.nwords; w++ {
					t.words[base+uint64(w)] = bkey[w]
				}
				atomic.StoreUint64(&t.words[base], bkey[0])
				atomic.AddUint32(&t.fill[bucket], 1)
				atomic.AddUint64(&t.numKmers, 1)
				return s, false, nil
			}
		}
	}
	return NotFound, false, ErrFull
}

// Delete empties the slot.  Not safe under any concurrent table access;
// callers run deletion in a single-threaded phase.
func (t *Table) Delete(slot uint64) {
	bucket := slot / t.bucketSize
	base := slot * uint64(t.nwords)
	if t.words[base] == UnsetWord {
		return
	}
	t.words[base] = UnsetWord
	t.fill[bucket]--
	t.numKmers--
}

// Iterate calls fn for every occupied slot, in slot order.
func (t *Table) Iterate(fn func(slot uint64)) {
	t.IteratePart(0, 1, fn)
}

// IteratePart walks the part'th of nparts equal slices of the slot array,
// calling fn on occupied slots.  Safe for read-only traversal under
// concurrent insertion (freshly inserted keys may or may not be seen); not
// safe under concurrent deletion.
func (t *Table) IteratePart(part, nparts int, fn func(slot uint64)) {
	start := t.capacity * uint64(part) / uint64(nparts)
	end := t.capacity * uint64(part+1) / uint64(nparts)
	for s := start; s < end; s++ {
		if t.Occupied(s) {
			fn(s)
		}
	}
}

// LogStats reports occupancy through the standard logger.
func (t *Table) LogStats() {
	n := t.NumKmers()
	log.Printf("khash: %d / %d slots used (%.1f%%), %d buckets x %d",
		n, t.capacity, 100*float64(n)/float64(t.capacity), t.numBuckets, t.bucketSize)
}
