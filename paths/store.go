// Package paths stores compressed traversal hints for the colored de Bruijn
// graph: variable-length packed-DNA paths in an append-only byte arena, with
// a per-slot linked list of the paths starting at each k-mer, and a
// secondary hash for deduplicating identical paths under concurrent writers.
//
// A path record is laid out as
//
//	[prev:5][plen:2][seq:ceil(plen/4)][colors:ceil(ncols/8)]
//
// with every multi-byte field little-endian.  prev is a 40-bit arena offset
// chaining to the next path sharing the same start k-mer; PathNull
// terminates the chain.  Because records are append-only, prev always
// refers to an earlier offset, which is what the integrity check leans on.
package paths

import (
	"runtime"
	"sync/atomic"

	"github.com/grailbio/cortex/kmer"
	"github.com/pkg/errors"
)

const (
	// PathNull is the 40-bit null arena offset.
	PathNull = uint64(0xFFFFFFFFFF)

	prevBytes = 5
	lenBytes  = 2

	// MaxPathLen is the largest number of nucleotides in one path.
	MaxPathLen = 1<<16 - 1
)

// ErrArena is returned when an append does not fit in the arena.
var ErrArena = errors.New("path arena is full")

// SeqBytes returns the packed byte length of plen nucleotides.
func SeqBytes(plen int) int { return (plen + 3) / 4 }

// ColorBytes returns the byte length of an ncols-wide color bitmap.
func ColorBytes(ncols int) int { return (ncols + 7) / 8 }

// RecordBytes returns the total record size for a path of plen nucleotides
// over ncols colors.
func RecordBytes(plen, ncols int) int {
	return prevBytes + lenBytes + SeqBytes(plen) + ColorBytes(ncols)
}

// Store is the append-only path arena plus per-slot list heads and per-slot
// bit locks.
type Store struct {
	data   []byte
	length uint64 // atomic; bytes used
	cap    uint64

	heads []uint64 // per slot; PathNull when no paths
	locks []uint32 // one bit per slot

	ncols    int
	colBytes int

	numPaths uint64 // atomic
}

// NewStore allocates an arena of capBytes with heads for nslots slots.
func NewStore(capBytes, nslots uint64, ncols int) *Store {
	s := &Store{
		data:     make([]byte, capBytes),
		cap:      capBytes,
		heads:    make([]uint64, nslots),
		locks:    make([]uint32, (nslots+31)/32),
		ncols:    ncols,
		colBytes: ColorBytes(ncols),
	}
	for i := range s.heads {
		s.heads[i] = PathNull
	}
	return s
}

// NumCols returns the color dimension the store was built with.
func (s *Store) NumCols() int { return s.ncols }

// Len returns the number of arena bytes in use.
func (s *Store) Len() uint64 { return atomic.LoadUint64(&s.length) }

// Cap returns the arena capacity in bytes.
func (s *Store) Cap() uint64 { return s.cap }

// NumPaths returns the number of records appended.
func (s *Store) NumPaths() uint64 { return atomic.LoadUint64(&s.numPaths) }

// Head returns the first path offset for slot, or PathNull.
func (s *Store) Head(slot uint64) uint64 {
	return atomic.LoadUint64(&s.heads[slot])
}

// LockSlot spins until it owns the slot's bit lock.  Writers take it to
// serialize dedup-append-link for paths starting at the same k-mer.
func (s *Store) LockSlot(slot uint64) {
	p := &s.locks[slot/32]
	mask := uint32(1) << (slot % 32)
	for {
		old := atomic.LoadUint32(p)
		if old&mask == 0 && atomic.CompareAndSwapUint32(p, old, old|mask) {
			return
		}
		runtime.Gosched()
	}
}

// UnlockSlot releases the slot's bit lock.
func (s *Store) UnlockSlot(slot uint64) {
	p := &s.locks[slot/32]
	mask := uint32(1) << (slot % 32)
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, old&^mask) {
			return
		}
	}
}

// Add reserves and writes one record, returning its arena offset.  prev is
// written as given; Link (or SetPrev) fixes it up when the head moves.
func (s *Store) Add(prev uint64, plen uint16, packedSeq, colors []byte) (uint64, error) {
	size := uint64(RecordBytes(int(plen), s.ncols))
	var off uint64
	for {
		off = atomic.LoadUint64(&s.length)
		if off+size > s.cap {
			return PathNull, errors.Wrapf(ErrArena, "need %d bytes at offset %d of %d", size, off, s.cap)
		}
		if atomic.CompareAndSwapUint64(&s.length, off, off+size) {
			break
		}
	}
	putU40(s.data[off:], prev)
	s.data[off+prevBytes] = byte(plen)
	s.data[off+prevBytes+1] = byte(plen >> 8)
	copy(s.data[off+prevBytes+lenBytes:], packedSeq[:SeqBytes(int(plen))])
	copy(s.data[off+prevBytes+lenBytes+uint64(SeqBytes(int(plen))):], colors[:s.colBytes])
	atomic.AddUint64(&s.numPaths, 1)
	return off, nil
}

// SetPrev rewrites a record's prev field.
func (s *Store) SetPrev(pindex, prev uint64) {
	putU40(s.data[pindex:], prev)
}

// Link publishes pindex as the new head for slot, retrying when the head
// moved by re-pointing the record's prev at the observed head first.
func (s *Store) Link(slot, pindex uint64) {
	for {
		old := s.Head(slot)
		s.SetPrev(pindex, old)
		if atomic.CompareAndSwapUint64(&s.heads[slot], old, pindex) {
			return
		}
	}
}

// AddPath appends a record and links it as the slot's head in one call.
func (s *Store) AddPath(slot uint64, plen uint16, packedSeq, colors []byte) (uint64, error) {
	pindex, err := s.Add(s.Head(slot), plen, packedSeq, colors)
	if err != nil {
		return PathNull, err
	}
	s.Link(slot, pindex)
	return pindex, nil
}

// Prev returns the chained offset of the record at pindex.
func (s *Store) Prev(pindex uint64) uint64 {
	return getU40(s.data[pindex:])
}

// PathLen returns the nucleotide count of the record at pindex.
func (s *Store) PathLen(pindex uint64) uint16 {
	return uint16(s.data[pindex+prevBytes]) | uint16(s.data[pindex+prevBytes+1])<<8
}

// Seq returns the packed sequence bytes of the record at pindex.
func (s *Store) Seq(pindex uint64) []byte {
	n := SeqBytes(int(s.PathLen(pindex)))
	off := pindex + prevBytes + lenBytes
	return s.data[off : off+uint64(n)]
}

// Nuc returns the i'th nucleotide of the record at pindex.
func (s *Store) Nuc(pindex uint64, i int) kmer.Nuc {
	seq := s.Seq(pindex)
	return kmer.Nuc((seq[i/4] >> (uint(i%4) * 2)) & 3)
}

// Colors returns the color bitmap bytes of the record at pindex.
func (s *Store) Colors(pindex uint64) []byte {
	off := pindex + prevBytes + lenBytes + uint64(SeqBytes(int(s.PathLen(pindex))))
	return s.data[off : off+uint64(s.colBytes)]
}

// HasColor reports whether the record at pindex is valid in color col.
func (s *Store) HasColor(pindex uint64, col int) bool {
	return s.Colors(pindex)[col/8]&(1<<(uint(col)%8)) != 0
}

// OrColors unions a color bitmap into the record at pindex.  Callers hold
// the slot lock.
func (s *Store) OrColors(pindex uint64, colors []byte) {
	dst := s.Colors(pindex)
	for i := range dst {
		dst[i] |= colors[i]
	}
}

// Iterate walks the slot's path list, calling fn with each record offset.
// fn returning false stops the walk.
func (s *Store) Iterate(slot uint64, fn func(pindex uint64) bool) {
	for p := s.Head(slot); p != PathNull; p = s.Prev(p) {
		if !fn(p) {
			return
		}
	}
}

// Arena exposes the used portion of the arena for serialization.
func (s *Store) Arena() []byte { return s.data[:s.Len()] }

// RestoreArena overwrites the arena contents and length wholesale, for
// loaders that dump and reload a store.
func (s *Store) RestoreArena(b []byte) error {
	if uint64(len(b)) > s.cap {
		return errors.Wrapf(ErrArena, "restoring %d bytes into a %d byte arena", len(b), s.cap)
	}
	copy(s.data, b)
	atomic.StoreUint64(&s.length, uint64(len(b)))
	return nil
}

// SetHead overwrites a slot head, for loaders.
func (s *Store) SetHead(slot, pindex uint64) {
	atomic.StoreUint64(&s.heads[slot], pindex)
}

// minRecordBytes is the smallest legal record: one nucleotide.
func (s *Store) minRecordBytes() uint64 {
	return uint64(RecordBytes(1, s.ncols))
}

// IntegrityCheck verifies every slot's chain: offsets in bounds, strictly
// decreasing (records can only chain backward in an append-only arena), and
// no longer than the arena could possibly hold.
func (s *Store) IntegrityCheck() error {
	length := s.Len()
	maxSteps := length/s.minRecordBytes() + 1
	for slot := range s.heads {
		steps := uint64(0)
		last := uint64(PathNull)
		for p := s.Head(uint64(slot)); p != PathNull; p = s.Prev(p) {
			if p >= length {
				return errors.Errorf("slot %d: path offset %d beyond arena length %d", slot, p, length)
			}
			if last != PathNull && p >= last {
				return errors.Errorf("slot %d: path chain re-enters at offset %d", slot, p)
			}
			if steps++; steps > maxSteps {
				return errors.Errorf("slot %d: path chain exceeds %d records", slot, maxSteps)
			}
			last = p
		}
	}
	return nil
}

func putU40(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
}

func getU40(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32
}
