package paths

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestRecordLayout(t *testing.T) {
	expect.EQ(t, RecordBytes(1, 1), 5+2+1+1)
	expect.EQ(t, RecordBytes(4, 1), 5+2+1+1)
	expect.EQ(t, RecordBytes(5, 1), 5+2+2+1)
	expect.EQ(t, RecordBytes(3, 9), 5+2+1+2)
}

func TestAddIterate(t *testing.T) {
	s := NewStore(1024, 8, 2)
	expect.EQ(t, s.Head(3), PathNull)

	seq1 := PackNucs([]kmer.Nuc{kmer.NucA, kmer.NucC, kmer.NucG})
	p1, err := s.AddPath(3, 3, seq1, []byte{0x1})
	assert.NoError(t, err)
	seq2 := PackNucs([]kmer.Nuc{kmer.NucT})
	p2, err := s.AddPath(3, 1, seq2, []byte{0x2})
	assert.NoError(t, err)

	expect.EQ(t, s.Head(3), p2)
	expect.EQ(t, s.Prev(p2), p1)
	expect.EQ(t, s.Prev(p1), PathNull)
	expect.EQ(t, s.PathLen(p1), uint16(3))
	expect.EQ(t, s.Nuc(p1, 0), kmer.NucA)
	expect.EQ(t, s.Nuc(p1, 1), kmer.NucC)
	expect.EQ(t, s.Nuc(p1, 2), kmer.NucG)
	expect.EQ(t, s.Colors(p2)[0], byte(0x2))

	var visited []uint64
	s.Iterate(3, func(p uint64) bool {
		visited = append(visited, p)
		return true
	})
	expect.EQ(t, visited, []uint64{p2, p1})

	s.OrColors(p1, []byte{0x2})
	expect.True(t, s.HasColor(p1, 0))
	expect.True(t, s.HasColor(p1, 1))

	assert.NoError(t, s.IntegrityCheck())
}

func TestSingleNucPath(t *testing.T) {
	s := NewStore(64, 2, 1)
	p, err := s.AddPath(0, 1, PackNucs([]kmer.Nuc{kmer.NucT}), []byte{1})
	assert.NoError(t, err)
	expect.EQ(t, s.PathLen(p), uint16(1))
	expect.EQ(t, s.Nuc(p, 0), kmer.NucT)
	assert.NoError(t, s.IntegrityCheck())
}

func TestOutOfArena(t *testing.T) {
	s := NewStore(uint64(RecordBytes(1, 1)), 2, 1)
	_, err := s.AddPath(0, 1, PackNucs([]kmer.Nuc{kmer.NucA}), []byte{1})
	assert.NoError(t, err)
	_, err = s.AddPath(1, 1, PackNucs([]kmer.Nuc{kmer.NucC}), []byte{1})
	expect.True(t, err != nil)
	// The full store is still intact.
	expect.EQ(t, s.NumPaths(), uint64(1))
	assert.NoError(t, s.IntegrityCheck())
}

func TestIntegrityDetectsReentry(t *testing.T) {
	s := NewStore(1024, 4, 1)
	p1, err := s.AddPath(0, 2, PackNucs([]kmer.Nuc{kmer.NucA, kmer.NucA}), []byte{1})
	assert.NoError(t, err)
	p2, err := s.AddPath(0, 2, PackNucs([]kmer.Nuc{kmer.NucC, kmer.NucC}), []byte{1})
	assert.NoError(t, err)
	// Corrupt p1 to point forward at p2, forming a cycle.
	s.SetPrev(p1, p2)
	expect.True(t, s.IntegrityCheck() != nil)
}

func TestConcurrentAddPath(t *testing.T) {
	const (
		nThreads = 8
		perT     = 200
	)
	s := NewStore(1<<20, 16, 1)
	var wg sync.WaitGroup
	for ti := 0; ti < nThreads; ti++ {
		wg.Add(1)
		go func(ti int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(ti)))
			for i := 0; i < perT; i++ {
				slot := uint64(r.Intn(16))
				nucs := make([]kmer.Nuc, 1+r.Intn(9))
				for j := range nucs {
					nucs[j] = kmer.Nuc(r.Intn(4))
				}
				s.LockSlot(slot)
				_, err := s.AddPath(slot, uint16(len(nucs)), PackNucs(nucs), []byte{1})
				s.UnlockSlot(slot)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(ti)
	}
	wg.Wait()
	expect.EQ(t, s.NumPaths(), uint64(nThreads*perT))
	assert.NoError(t, s.IntegrityCheck())
	total := 0
	for slot := uint64(0); slot < 16; slot++ {
		s.Iterate(slot, func(uint64) bool { total++; return true })
	}
	expect.EQ(t, total, nThreads*perT)
}

func TestPackedEqual(t *testing.T) {
	a := PackNucs([]kmer.Nuc{0, 1, 2, 3, 0})
	b := PackNucs([]kmer.Nuc{0, 1, 2, 3, 0})
	expect.True(t, PackedEqual(a, b, 5))
	// Differing trailing garbage in the last byte is ignored.
	b[1] |= 0xf0
	expect.True(t, PackedEqual(a, b, 5))
	c := PackNucs([]kmer.Nuc{0, 1, 2, 3, 1})
	expect.False(t, PackedEqual(a, c, 5))
}
