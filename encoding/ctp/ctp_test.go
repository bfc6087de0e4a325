package ctp

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/cortex/paths"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
)

// newTwoNodeGraph builds {AAAAA -> AAAAC} with ncols colors, coverage and
// membership in color col, and an attached path store.
func newTwoNodeGraph(t *testing.T, ncols, col int) (g *graph.Graph, slotA uint64) {
	g, err := graph.New(5, ncols, ncols, 64)
	require.NoError(t, err)
	add := func(s string, e graph.Edges) uint64 {
		slot, _, err := g.Table.FindOrInsert(kmer.MustEncode(s).Key(5))
		require.NoError(t, err)
		g.AddCovg(slot, col, 2)
		g.SetColor(slot, col)
		g.OrEdges(slot, col, e)
		return slot
	}
	slotA = add("AAAAA", graph.EdgeBit(kmer.NucA, kmer.Forward)|
		graph.EdgeBit(kmer.NucC, kmer.Forward)|
		graph.EdgeBit(kmer.NucT, kmer.Reverse))
	add("AAAAC", graph.EdgeBit(kmer.NucT, kmer.Reverse))
	g.AttachPaths(4096)
	g.Infos[col].SampleName = "sample"
	return g, slotA
}

func colorBytes(ncols int, cols ...int) []byte {
	b := make([]byte, paths.ColorBytes(ncols))
	for _, c := range cols {
		b[c/8] |= 1 << (uint(c) % 8)
	}
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	g, slotA := newTwoNodeGraph(t, 1, 0)
	seq := paths.PackNucs([]kmer.Nuc{kmer.NucC})
	_, err := g.PStore.AddPath(slotA, 1, seq, colorBytes(1, 0))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))
	f, err := Read(bytes.NewReader(buf.Bytes()), "mem.ctp")
	require.NoError(t, err)
	expect.EQ(t, f.KmerSize, uint32(5))
	expect.EQ(t, f.NumPathCols, uint32(1))
	expect.EQ(t, f.NumPaths, uint64(1))
	expect.EQ(t, f.SampleNames, []string{"sample"})
	require.EqualValues(t, 1, len(f.Entries))
	expect.EQ(t, f.Entries[0].Bkey, g.Bkey(slotA))

	prev, plen, pseq, cols := paths.ReadRecord(f.Arena, f.Entries[0].Pindex, 1)
	expect.EQ(t, prev, paths.PathNull)
	expect.EQ(t, plen, uint16(1))
	expect.EQ(t, pseq[0]&3, byte(kmer.NucC))
	expect.EQ(t, cols[0], byte(1))
}

func TestReadRejectsCorruptArena(t *testing.T) {
	g, slotA := newTwoNodeGraph(t, 1, 0)
	_, err := g.PStore.AddPath(slotA, 1, paths.PackNucs([]kmer.Nuc{kmer.NucC}), colorBytes(1, 0))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	raw := buf.Bytes()
	// One entry (8 bkey bytes + 5 pindex bytes) trails the arena; flip the
	// arena's final byte just before it.
	raw[len(raw)-14] ^= 0xff
	_, err = Read(bytes.NewReader(raw), "bad.ctp")
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Corrupted)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("WRONGxxxxxxxxxxxxxxxxxxxxxxxxxxx")), "x.ctp")
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Malformed)
}

// writeCtp serializes a one-color graph holding a single one-nucleotide
// path and returns the parsed file.
func writeCtp(t *testing.T, dir, name string) *File {
	g, slotA := newTwoNodeGraph(t, 1, 0)
	_, err := g.PStore.AddPath(slotA, 1, paths.PackNucs([]kmer.Nuc{kmer.NucC}), colorBytes(1, 0))
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, WriteFile(g, path))
	f, err := Open(path)
	require.NoError(t, err)
	return f
}

func TestMergeDedupsIdenticalPaths(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	f1 := writeCtp(t, tmp, "a.ctp")
	f2 := writeCtp(t, tmp, "b.ctp")

	// Destination graph has two colors; each source file's single path
	// color maps to a different one.
	g, slotA := newTwoNodeGraph(t, 2, 0)
	require.NoError(t, LoadMerge(g, []*File{f1, f2}, 2, [][]int{{0}, {1}}))

	expect.EQ(t, g.PStore.NumPaths(), uint64(1))
	var npaths int
	g.PStore.Iterate(slotA, func(pindex uint64) bool {
		npaths++
		expect.True(t, g.PStore.HasColor(pindex, 0))
		expect.True(t, g.PStore.HasColor(pindex, 1))
		return true
	})
	expect.EQ(t, npaths, 1)
	require.NoError(t, g.PStore.IntegrityCheck())
	report := g.CheckPathsTrace()
	expect.True(t, report.OK(), "violations: %+v", report.Violations)
	expect.EQ(t, report.PathsChecked, uint64(1))
}

func TestMergeDistinctPaths(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	f1 := writeCtp(t, tmp, "a.ctp")

	// A second file with a different path from the same kmer.
	g1, slotA := newTwoNodeGraph(t, 1, 0)
	_, err := g1.PStore.AddPath(slotA, 2,
		paths.PackNucs([]kmer.Nuc{kmer.NucC, kmer.NucA}), colorBytes(1, 0))
	require.NoError(t, err)
	p2 := filepath.Join(tmp, "c.ctp")
	require.NoError(t, WriteFile(g1, p2))
	f2, err := Open(p2)
	require.NoError(t, err)

	g, slotA := newTwoNodeGraph(t, 1, 0)
	require.NoError(t, LoadMerge(g, []*File{f1, f2}, 1, [][]int{nil, nil}))
	expect.EQ(t, g.PStore.NumPaths(), uint64(2))
	var lens []uint16
	g.PStore.Iterate(slotA, func(pindex uint64) bool {
		lens = append(lens, g.PStore.PathLen(pindex))
		return true
	})
	require.EqualValues(t, 2, len(lens))
	require.NoError(t, g.PStore.IntegrityCheck())
}

func TestMergeKmerSizeMismatch(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	f1 := writeCtp(t, tmp, "a.ctp")
	g, err := graph.New(7, 1, 1, 16)
	require.NoError(t, err)
	g.AttachPaths(256)
	err = LoadMerge(g, []*File{f1}, 1, [][]int{nil})
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Incompatible)
}

func TestMergePathForUnknownKmer(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	f1 := writeCtp(t, tmp, "a.ctp")
	g, err := graph.New(5, 1, 1, 16) // empty graph: no such kmer
	require.NoError(t, err)
	g.AttachPaths(256)
	err = LoadMerge(g, []*File{f1}, 1, [][]int{nil})
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Corrupted)
}

func TestMergeIdempotentAcrossCalls(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	f1 := writeCtp(t, tmp, "a.ctp")

	g, _ := newTwoNodeGraph(t, 1, 0)
	require.NoError(t, LoadMerge(g, []*File{f1}, 1, [][]int{nil}))
	require.NoError(t, LoadMerge(g, []*File{f1}, 1, [][]int{nil}))
	// The second merge dedups against the already-loaded store.
	expect.EQ(t, g.PStore.NumPaths(), uint64(1))
}

func TestCorruptTruncatedFile(t *testing.T) {
	tmp, cleanup := testutil.TempDir(t, "", "ctp")
	defer cleanup()
	writeCtp(t, tmp, "a.ctp")
	raw, err := ioutil.ReadFile(filepath.Join(tmp, "a.ctp"))
	require.NoError(t, err)
	_, err = Read(bytes.NewReader(raw[:len(raw)-4]), "short.ctp")
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Truncated)
}
