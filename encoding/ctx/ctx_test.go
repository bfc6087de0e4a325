package ctx

import (
	"bytes"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
)

// buildTwoNodeGraph returns the {AAAAA, AAAAC} single-color graph with
// mutually consistent edges.
func buildTwoNodeGraph(t *testing.T) *graph.Graph {
	g, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	add := func(s string, e graph.Edges) {
		slot, _, err := g.Table.FindOrInsert(kmer.MustEncode(s).Key(5))
		require.NoError(t, err)
		g.AddCovg(slot, 0, 3)
		g.SetColor(slot, 0)
		g.OrEdges(slot, 0, e)
	}
	add("AAAAA", graph.EdgeBit(kmer.NucA, kmer.Forward)|
		graph.EdgeBit(kmer.NucC, kmer.Forward)|
		graph.EdgeBit(kmer.NucT, kmer.Reverse))
	add("AAAAC", graph.EdgeBit(kmer.NucT, kmer.Reverse))
	g.Infos[0] = graph.Info{
		SampleName:     "sampleA",
		MeanReadLength: 150,
		TotalSequence:  100000,
		SeqErrRate:     0.0125,
	}
	return g
}

// snapshot flattens a graph into a slot-order-independent form.
type nodeState struct {
	covgs  []uint32
	edges  []graph.Edges
	colors []bool
}

func snapshot(g *graph.Graph) map[string]nodeState {
	out := map[string]nodeState{}
	g.Table.Iterate(func(slot uint64) {
		st := nodeState{}
		for c := 0; c < g.NumCols; c++ {
			st.covgs = append(st.covgs, g.Covg(slot, c))
			st.edges = append(st.edges, g.Edges(slot, c))
			st.colors = append(st.colors, g.HasColor(slot, c))
		}
		out[g.Bkey(slot).String(g.KmerSize)] = st
	})
	return out
}

func TestLongDoubleRoundTrip(t *testing.T) {
	for _, f := range []float64{0, 0.01, 1, -1, 0.0123456789, 1e300, -1e-300,
		math.MaxFloat64, 5e-324, math.Inf(1)} {
		b := encodeLongDouble(f)
		expect.EQ(t, decodeLongDouble(b), f, "f=%g", f)
	}
	expect.True(t, math.IsNaN(decodeLongDouble(encodeLongDouble(math.NaN()))))
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version:      7,
		KmerSize:     5,
		NumWords:     1,
		NumCols:      2,
		NumKmers:     42,
		HasKmerCount: true,
		Infos: []graph.Info{
			{SampleName: "s0", MeanReadLength: 100, TotalSequence: 5000, SeqErrRate: 0.01,
				Cleaning: graph.Cleaning{RemvLowCovNodes: true, RemvLowCovNodesThresh: 3, CleanedAgainstName: "ref.ctx", CleanedAgainstGraph: true}},
			{SampleName: "s1", MeanReadLength: 250, TotalSequence: 9000, SeqErrRate: 0.02},
		},
	}
	var buf bytes.Buffer
	n, err := writeHeader(&buf, h)
	require.NoError(t, err)
	require.EqualValues(t, buf.Len(), n)

	got, m, err := readHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	expect.EQ(t, m, n)
	expect.EQ(t, got.KmerSize, h.KmerSize)
	expect.EQ(t, got.NumKmers, h.NumKmers)
	expect.EQ(t, got.Infos, h.Infos)
	expect.EQ(t, len(got.Warnings), 0)
}

func TestHeaderRejectsEvenKmerSize(t *testing.T) {
	h := &Header{Version: 7, KmerSize: 4, NumWords: 1, NumCols: 1, Infos: make([]graph.Info, 1)}
	var buf bytes.Buffer
	_, err := writeHeader(&buf, h)
	require.NoError(t, err)
	_, _, err = readHeader(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Malformed)
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	_, _, err := readHeader(bytes.NewReader([]byte("VORTEXxxxxxxxxxxxxxxxxxxxx")))
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Malformed)
}

func TestHeaderWarnsOnOrphanThreshold(t *testing.T) {
	h := &Header{
		Version: 6, KmerSize: 5, NumWords: 1, NumCols: 1,
		Infos: []graph.Info{{Cleaning: graph.Cleaning{RemvLowCovNodesThresh: 7}}},
	}
	var buf bytes.Buffer
	_, err := writeHeader(&buf, h)
	require.NoError(t, err)
	got, _, err := readHeader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	expect.EQ(t, got.Infos[0].Cleaning.RemvLowCovNodesThresh, uint32(0))
	expect.EQ(t, len(got.Warnings), 1)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	g := buildTwoNodeGraph(t)
	tmp, cleanup := testutil.TempDir(t, "", "ctx")
	defer cleanup()
	path := filepath.Join(tmp, "two.ctx")
	require.NoError(t, WriteFile(g, path))

	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	var stats LoadStats
	require.NoError(t, LoadFile(g2, path, DefaultPrefs, &stats))
	expect.EQ(t, stats.KmersLoaded, uint64(2))
	expect.EQ(t, stats.UniqueKmers, uint64(2))
	expect.EQ(t, snapshot(g2), snapshot(g))
	expect.EQ(t, g2.Infos[0].SampleName, "sampleA")
	report := g2.HealthCheck(true)
	expect.True(t, report.OK(), "violations: %+v", report.Violations)
}

func TestLoadGzip(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var raw bytes.Buffer
	require.NoError(t, Write(&raw, g))
	tmp, cleanup := testutil.TempDir(t, "", "ctx")
	defer cleanup()
	path := filepath.Join(tmp, "two.ctx.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	require.NoError(t, LoadFile(g2, path, DefaultPrefs, nil))
	expect.EQ(t, snapshot(g2), snapshot(g))
}

func TestVersionSixSizeDerivedCount(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	h := HeaderFromGraph(g)
	h.Version = 6
	h.HasKmerCount = false
	_, err := writeHeader(&buf, h)
	require.NoError(t, err)
	covgs := []uint32{3}
	edges := []graph.Edges{0}
	g.Table.Iterate(func(slot uint64) {
		covgs[0] = g.Covg(slot, 0)
		edges[0] = g.Edges(slot, 0)
		require.NoError(t, WriteKmer(&buf, 1, g.Bkey(slot), covgs, edges))
	})

	tmp, cleanup := testutil.TempDir(t, "", "ctx")
	defer cleanup()
	path := filepath.Join(tmp, "v6.ctx")
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	expect.EQ(t, r.Header.NumKmers, uint64(2))
	require.NoError(t, r.Close())

	// A trailing partial record makes the size irregular.
	require.NoError(t, ioutil.WriteFile(path, append(buf.Bytes(), 0xab), 0644))
	_, err = OpenReader(path)
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Malformed)
}

func TestProbe(t *testing.T) {
	g := buildTwoNodeGraph(t)
	tmp, cleanup := testutil.TempDir(t, "", "ctx")
	defer cleanup()
	path := filepath.Join(tmp, "probe.ctx")
	require.NoError(t, WriteFile(g, path))

	valid, kmerSize, ncols, nkmers, err := Probe(path)
	require.NoError(t, err)
	expect.True(t, valid)
	expect.EQ(t, kmerSize, uint32(5))
	expect.EQ(t, ncols, uint32(1))
	expect.EQ(t, nkmers, uint64(2))

	junk := filepath.Join(tmp, "junk.bin")
	require.NoError(t, ioutil.WriteFile(junk, []byte("definitely not a graph"), 0644))
	valid, _, _, _, err = Probe(junk)
	require.NoError(t, err)
	expect.False(t, valid)
}

func TestLoadTruncatedRecord(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))
	short := buf.Bytes()[:buf.Len()-3]

	r, err := NewReader(bytes.NewReader(short))
	require.NoError(t, err)
	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	err = r.Load(g2, DefaultPrefs, nil)
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Truncated)
}

func TestLoadIntoColorOffset(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	g2, err := graph.New(5, 3, 3, 64)
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, r.Load(g2, Prefs{IntoColor: 2, MustExistInColor: -1}, nil))

	slot := g2.Table.Find(kmer.MustEncode("AAAAA"))
	expect.EQ(t, g2.Covg(slot, 0), uint32(0))
	expect.EQ(t, g2.Covg(slot, 2), uint32(3))
	expect.True(t, g2.HasColor(slot, 2))
	expect.False(t, g2.HasColor(slot, 0))
	expect.EQ(t, g2.Infos[2].SampleName, "sampleA")
}

func TestLoadEmptyColorsRejectsDuplicates(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, r.Load(g2, Prefs{MustExistInColor: -1, EmptyColors: true}, nil))

	// Loading the same file again trips the all-new assertion.
	r2, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	err = r2.Load(g2, Prefs{MustExistInColor: -1, EmptyColors: true}, nil)
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.Malformed)
}

func TestLoadAccumulatesCoverage(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		r, err := NewReader(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.NoError(t, r.Load(g2, DefaultPrefs, nil))
	}
	slot := g2.Table.Find(kmer.MustEncode("AAAAA"))
	expect.EQ(t, g2.Covg(slot, 0), uint32(6))

	// As-union load replaces instead of accumulating.
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, r.Load(g2, Prefs{MustExistInColor: -1, LoadAsUnion: true}, nil))
	expect.EQ(t, g2.Covg(slot, 0), uint32(3))
}

func TestLoadMustExistInColor(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	// Seed the target graph with only AAAAA in color 0, then load into
	// color 1 restricted to kmers existing in color 0.
	g2, err := graph.New(5, 2, 2, 64)
	require.NoError(t, err)
	slot, _, err := g2.Table.FindOrInsert(kmer.MustEncode("AAAAA"))
	require.NoError(t, err)
	g2.AddCovg(slot, 0, 1)
	g2.SetColor(slot, 0)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.NoError(t, r.Load(g2, Prefs{IntoColor: 1, MustExistInColor: 0}, nil))

	expect.EQ(t, g2.Table.NumKmers(), uint64(1)) // AAAAC was not inserted
	expect.EQ(t, g2.Covg(slot, 1), uint32(3))
	expect.True(t, g2.HasColor(slot, 1))
}

func TestLoadOutOfCapacity(t *testing.T) {
	g := buildTwoNodeGraph(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))

	g2, err := graph.New(5, 1, 1, 1) // room for a single kmer
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	err = r.Load(g2, DefaultPrefs, nil)
	require.Error(t, err)
	expect.EQ(t, graph.KindOf(err), graph.OutOfCapacity)
	// Partial state is preserved for a retry with a bigger table.
	expect.EQ(t, g2.Table.NumKmers(), uint64(1))
}

func TestPatchEdges(t *testing.T) {
	g := buildTwoNodeGraph(t)
	tmp, cleanup := testutil.TempDir(t, "", "ctx")
	defer cleanup()
	path := filepath.Join(tmp, "patch.ctx")
	require.NoError(t, WriteFile(g, path))

	r, err := OpenReader(path)
	require.NoError(t, err)
	headerBytes := r.HeaderBytes
	recBytes := int64(r.Header.RecordBytes())
	require.NoError(t, r.Close())

	// Clear the first record's edge byte in place.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.Seek(headerBytes+recBytes, 0)
	require.NoError(t, err)
	require.NoError(t, PatchEdges(f, []graph.Edges{0}))
	require.NoError(t, f.Close())

	g2, err := graph.New(5, 1, 1, 64)
	require.NoError(t, err)
	require.NoError(t, LoadFile(g2, path, DefaultPrefs, nil))
	var zeroed int
	g2.Table.Iterate(func(slot uint64) {
		if g2.Edges(slot, 0) == 0 {
			zeroed++
		}
	})
	expect.EQ(t, zeroed, 1)
}
