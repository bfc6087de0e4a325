package ctx

import (
	"bufio"
	"io"
	"os"

	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/kmer"
	"v.io/x/lib/vlog"
)

// HeaderFromGraph snapshots g's dimensions and per-color metadata into a
// version 7 header.
func HeaderFromGraph(g *graph.Graph) *Header {
	h := &Header{
		Version:      7,
		KmerSize:     uint32(g.KmerSize),
		NumWords:     uint32(kmer.Words(g.KmerSize)),
		NumCols:      uint32(g.NumCols),
		NumKmers:     g.Table.NumKmers(),
		HasKmerCount: true,
		Infos:        make([]graph.Info, g.NumCols),
	}
	copy(h.Infos, g.Infos)
	return h
}

// WriteHeader emits h and returns the encoded size.
func WriteHeader(w io.Writer, h *Header) (int64, error) {
	return writeHeader(w, h)
}

// WriteKmer emits one record.
func WriteKmer(w io.Writer, nwords int, bk kmer.Kmer, covgs []uint32, edges []graph.Edges) error {
	bw := &byteWriter{w: w}
	for i := 0; i < nwords; i++ {
		bw.u64(bk[i])
	}
	for _, c := range covgs {
		bw.u32(c)
	}
	for _, e := range edges {
		bw.u8(uint8(e))
	}
	return bw.wrap("write kmer record")
}

// Write dumps g in table slot order: header, then one record per occupied
// slot.  In the merged-edges configuration every color's edge byte is the
// merged mask.
func Write(w io.Writer, g *graph.Graph) error {
	buf := bufio.NewWriterSize(w, 1<<16)
	h := HeaderFromGraph(g)
	if _, err := writeHeader(buf, h); err != nil {
		return err
	}
	var (
		nwords = kmer.Words(g.KmerSize)
		covgs  = make([]uint32, g.NumCols)
		edges  = make([]graph.Edges, g.NumCols)
		werr   error
	)
	g.Table.Iterate(func(slot uint64) {
		if werr != nil {
			return
		}
		for c := 0; c < g.NumCols; c++ {
			covgs[c] = g.Covg(slot, c)
			edges[c] = g.Edges(slot, c)
		}
		werr = WriteKmer(buf, nwords, g.Bkey(slot), covgs, edges)
	})
	if werr != nil {
		return werr
	}
	if err := buf.Flush(); err != nil {
		return graph.WrapErr(graph.Io, err, "flush")
	}
	vlog.VI(1).Infof("wrote %d kmers, %d colors", h.NumKmers, h.NumCols)
	return nil
}

// WriteFile writes g to path.
func WriteFile(g *graph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return graph.WrapErr(graph.Io, err, "create %s", path)
	}
	if err := Write(f, g); err != nil {
		f.Close() // nolint: errcheck
		return err
	}
	return graph.WrapErr(graph.Io, f.Close(), "close %s", path)
}

// PatchEdges rewrites just the edges field of the record that ends at the
// current offset of ws.  An in-place editor can call it right after reading
// a record to update that record without a full rewrite.  The
// cortex-inferedges driver does not use it; it writes the whole graph anew.
func PatchEdges(ws io.WriteSeeker, edges []graph.Edges) error {
	if _, err := ws.Seek(-int64(len(edges)), io.SeekCurrent); err != nil {
		return graph.WrapErr(graph.Io, err, "seek to edges field")
	}
	buf := make([]byte, len(edges))
	for i, e := range edges {
		buf[i] = uint8(e)
	}
	if _, err := ws.Write(buf); err != nil {
		return graph.WrapErr(graph.Io, err, "patch edges field")
	}
	return nil
}
