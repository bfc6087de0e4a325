package ctx

import (
	"bufio"
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
	gzip "github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"
)

// Reader streams k-mer records out of a .ctx file.
type Reader struct {
	path string
	f    *os.File
	gz   *gzip.Reader
	br   *byteReader

	// Header is available once the reader is open.
	Header *Header
	// HeaderBytes is the encoded header size, used by in-place editors to
	// seek back to the first record.
	HeaderBytes int64
}

// OpenReader opens path, transparently decompressing gzip, and parses the
// header.  For version < 7 plain files the k-mer count is derived from the
// file size; a trailing partial record is rejected as Malformed.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, graph.WrapErr(graph.Io, err, "open %s", path)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, err
	}
	r.f = f
	if !r.Header.HasKmerCount && r.gz == nil {
		fi, err := f.Stat()
		if err != nil {
			return nil, graph.WrapErr(graph.Io, err, "stat %s", path)
		}
		remaining := fi.Size() - r.HeaderBytes
		rec := int64(r.Header.RecordBytes())
		if remaining%rec != 0 {
			return nil, graph.Errorf(graph.Malformed,
				"%s: irregular file size: %d bytes after header is not a whole number of %d byte records",
				path, remaining, rec)
		}
		r.Header.NumKmers = uint64(remaining / rec)
		r.Header.HasKmerCount = true
	}
	return r, nil
}

// NewReader parses a header from an arbitrary stream, e.g. stdin.
func NewReader(in io.Reader) (*Reader, error) {
	return newReader(in, "<stream>")
}

func newReader(in io.Reader, path string) (*Reader, error) {
	buf := bufio.NewReaderSize(in, 1<<16)
	r := &Reader{path: path}
	if magic, err := buf.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buf)
		if err != nil {
			return nil, graph.WrapErr(graph.Malformed, err, "%s: gzip header", path)
		}
		r.gz = gz
		r.br = &byteReader{r: gz}
	} else {
		r.br = &byteReader{r: buf}
	}
	h, n, err := readHeader(r.br.r)
	if err != nil {
		return nil, graph.WrapErr(graph.KindOf(err), err, "%s", path)
	}
	r.Header = h
	r.HeaderBytes = n
	for _, w := range h.Warnings {
		log.Error.Printf("%s: warning: %s", path, w)
	}
	return r, nil
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.gz != nil {
		r.gz.Close() // nolint: errcheck
	}
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

// ReadKmer reads one record into the caller's slices, which must hold
// NumCols entries each.  Returns io.EOF at a clean end of file.
func (r *Reader) ReadKmer(covgs []uint32, edges []graph.Edges) (kmer.Kmer, error) {
	var bk kmer.Kmer
	br := &byteReader{r: r.br.r}
	bk[0] = br.u64()
	if br.err == io.EOF {
		return bk, io.EOF
	}
	for i := 1; i < int(r.Header.NumWords); i++ {
		bk[i] = br.u64()
	}
	for i := range covgs {
		covgs[i] = br.u32()
	}
	for i := range edges {
		edges[i] = graph.Edges(br.u8())
	}
	if br.err != nil {
		return bk, graph.WrapErr(graph.Truncated, br.err, "%s: mid-record", r.path)
	}
	if bk[0]&^kmer.TopWordMask(int(r.Header.KmerSize)) != 0 {
		return bk, graph.Errorf(graph.Malformed, "%s: oversized kmer: high bits set", r.path)
	}
	zero := true
	for _, c := range covgs {
		if c != 0 {
			zero = false
			break
		}
	}
	if zero {
		return bk, graph.Errorf(graph.Malformed, "%s: kmer has zero coverage in all colors", r.path)
	}
	return bk, nil
}

// Probe cheaply inspects path, reporting whether it is a parseable .ctx file
// and, if so, its dimensions.
func Probe(path string) (valid bool, kmerSize, ncols uint32, nkmers uint64, err error) {
	r, err := OpenReader(path)
	if err != nil {
		if graph.KindOf(err) == graph.Io {
			return false, 0, 0, 0, err
		}
		return false, 0, 0, 0, nil
	}
	defer r.Close() // nolint: errcheck
	return true, r.Header.KmerSize, r.Header.NumCols, r.Header.NumKmers, nil
}

// Prefs controls how Load maps and merges a file into a graph.
type Prefs struct {
	// IntoColor is the graph color that binary color 0 lands in.
	IntoColor int
	// MustExistInColor, when >= 0, restricts loading to k-mers already
	// present in the graph with that color; nothing new is inserted and
	// merged edges are masked by that color's edge set.
	MustExistInColor int
	// EmptyColors asserts every loaded k-mer is new to the graph.
	EmptyColors bool
	// LoadAsUnion replaces coverage instead of accumulating it when the
	// k-mer was already present.
	LoadAsUnion bool
}

// DefaultPrefs loads into color 0 with no existence constraints.
var DefaultPrefs = Prefs{MustExistInColor: -1}

// LoadStats accumulates across Load calls.
type LoadStats struct {
	ColorsLoaded   int
	KmersParsed    uint64
	KmersLoaded    uint64
	UniqueKmers    uint64
	TotalBasesRead uint64
	FilesLoaded    int
}

// Load streams the open file into g per prefs: binary colors 0..b-1 map to
// graph colors IntoColor..IntoColor+b-1.  Coverage accumulates, edges union
// per color (or into the merged mask), membership bits are set for any color
// with coverage or edges, and per-color Infos merge by sequence-weighted
// average.  The hash filling up surfaces as OutOfCapacity with the graph
// left in its partial state, so the driver can retry with a larger table.
func (r *Reader) Load(g *graph.Graph, prefs Prefs, stats *LoadStats) error {
	h := r.Header
	if int(h.KmerSize) != g.KmerSize {
		return graph.Errorf(graph.Incompatible, "%s: kmer size %d, graph has %d", r.path, h.KmerSize, g.KmerSize)
	}
	if prefs.IntoColor+int(h.NumCols) > g.NumCols {
		return graph.Errorf(graph.Incompatible, "%s: %d colors into color %d overflows the graph's %d",
			r.path, h.NumCols, prefs.IntoColor, g.NumCols)
	}
	if prefs.MustExistInColor >= g.NumCols {
		return graph.Errorf(graph.Incompatible, "must-exist color %d out of range", prefs.MustExistInColor)
	}

	for i := 0; i < int(h.NumCols); i++ {
		g.Infos[prefs.IntoColor+i].Merge(h.Infos[i])
	}

	var (
		covgs       = make([]uint32, h.NumCols)
		edges       = make([]graph.Edges, h.NumCols)
		parsed      uint64
		loaded      uint64
		uniqueStart = g.Table.NumKmers()
	)
	for {
		bk, err := r.ReadKmer(covgs, edges)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		parsed++

		slot := khash.NotFound
		incrementCovg := true
		if prefs.MustExistInColor >= 0 {
			if s := g.Table.Find(bk); s != khash.NotFound && g.HasColor(s, prefs.MustExistInColor) {
				slot = s
			}
		} else {
			s, found, err := g.Table.FindOrInsert(bk)
			if err == khash.ErrFull {
				return graph.WrapErr(graph.OutOfCapacity, err, "%s: after %d kmers", r.path, parsed)
			}
			if err != nil {
				return graph.WrapErr(graph.Malformed, err, "%s", r.path)
			}
			if prefs.EmptyColors && found {
				return graph.Errorf(graph.Malformed, "%s: duplicate kmer %s", r.path, bk.String(g.KmerSize))
			}
			if prefs.LoadAsUnion {
				incrementCovg = !found
			}
			slot = s
		}
		if slot == khash.NotFound {
			continue
		}

		for i := 0; i < int(h.NumCols); i++ {
			col := prefs.IntoColor + i
			if covgs[i] > 0 || edges[i] != 0 {
				g.SetColor(slot, col)
			}
			if incrementCovg {
				g.AddCovg(slot, col, covgs[i])
			} else {
				g.SetCovg(slot, col, covgs[i])
			}
		}
		if g.NumEdgeCols > 0 {
			var mask graph.Edges = 0xff
			if prefs.MustExistInColor >= 0 {
				mask = g.Edges(slot, prefs.MustExistInColor)
			}
			for i := 0; i < int(h.NumCols); i++ {
				g.OrEdges(slot, prefs.IntoColor+i, edges[i]&mask)
			}
		} else {
			for i := 0; i < int(h.NumCols); i++ {
				g.OrEdges(slot, 0, edges[i])
			}
		}
		loaded++
	}

	if h.HasKmerCount && parsed > h.NumKmers {
		vlog.Errorf("%s: more kmers than the header declares (%d > %d)", r.path, parsed, h.NumKmers)
	}
	if stats != nil {
		stats.ColorsLoaded += int(h.NumCols)
		stats.KmersParsed += parsed
		stats.KmersLoaded += loaded
		stats.UniqueKmers += g.Table.NumKmers() - uniqueStart
		for i := range h.Infos {
			stats.TotalBasesRead += h.Infos[i].TotalSequence
		}
		stats.FilesLoaded++
	}
	return nil
}

// LoadFile is the one-call path: open, load, close.
func LoadFile(g *graph.Graph, path string, prefs Prefs, stats *LoadStats) error {
	r, err := OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close() // nolint: errcheck
	return r.Load(g, prefs, stats)
}
