// Package ctx reads and writes cortex graph files: a versioned header
// carrying per-color sample metadata followed by fixed-width k-mer records
// (binary k-mer words, per-color coverage, per-color edge masks).  Versions
// 4 through 7 are accepted on read; version 7 is written.  Gzipped input is
// detected and decompressed transparently.
package ctx

import (
	"fmt"
	"io"

	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/kmer"
	"v.io/x/lib/vlog"
)

// Magic brackets the header on both sides.
const Magic = "CORTEX"

const (
	minVersion = 4
	maxVersion = 7
)

// Header is a parsed .ctx file header.
type Header struct {
	Version  uint32
	KmerSize uint32
	NumWords uint32 // stored 64-bit words per k-mer
	NumCols  uint32

	// NumKmers is stored in the file for version >= 7, and derived from the
	// file size otherwise (zero when the input is not seekable).
	NumKmers     uint64
	HasKmerCount bool

	Infos []graph.Info

	// Warnings collects non-fatal oddities found while parsing; the driver
	// decides whether to surface them.
	Warnings []string
}

func (h *Header) warnf(format string, args ...interface{}) {
	vlog.VI(1).Infof("ctx header: "+format, args...)
	h.Warnings = append(h.Warnings, fmt.Sprintf(format, args...))
}

// RecordBytes returns the on-disk size of one k-mer record.
func (h *Header) RecordBytes() uint64 {
	return uint64(h.NumWords)*8 + uint64(h.NumCols)*4 + uint64(h.NumCols)
}

// readHeader parses and validates a header, returning it along with the
// number of bytes consumed.
func readHeader(r io.Reader) (*Header, int64, error) {
	br := &byteReader{r: r}
	h := &Header{}

	if err := br.magic(); err != nil {
		return nil, br.n, err
	}
	h.Version = br.u32()
	h.KmerSize = br.u32()
	h.NumWords = br.u32()
	h.NumCols = br.u32()
	if br.err != nil {
		return nil, br.n, br.wrap("header fields")
	}

	switch {
	case h.Version < minVersion || h.Version > maxVersion:
		return nil, br.n, graph.Errorf(graph.Malformed, "unsupported version %d (want %d..%d)", h.Version, minVersion, maxVersion)
	case h.KmerSize%2 == 0 || h.KmerSize < 3:
		return nil, br.n, graph.Errorf(graph.Malformed, "kmer size %d must be odd and >= 3", h.KmerSize)
	case h.KmerSize > 255:
		return nil, br.n, graph.Errorf(graph.Malformed, "kmer size %d out of range", h.KmerSize)
	case uint64(h.NumWords) != uint64(kmer.Words(int(h.KmerSize))):
		return nil, br.n, graph.Errorf(graph.Malformed, "%d bitfields is not minimal for kmer size %d", h.NumWords, h.KmerSize)
	case h.NumCols == 0:
		return nil, br.n, graph.Errorf(graph.Malformed, "number of colors is zero")
	}

	if h.Version >= 7 {
		h.NumKmers = br.u64()
		h.HasKmerCount = true
		if shades := br.u32(); shades%8 != 0 {
			h.warnf("number of shades %d is not a multiple of 8", shades)
		}
	}

	h.Infos = make([]graph.Info, h.NumCols)
	for i := range h.Infos {
		h.Infos[i].MeanReadLength = br.u32()
	}
	for i := range h.Infos {
		h.Infos[i].TotalSequence = br.u64()
	}
	if br.err != nil {
		return nil, br.n, br.wrap("per-color lengths")
	}

	if h.Version >= 6 {
		for i := range h.Infos {
			h.Infos[i].SampleName = br.lenString(h, "sample name")
		}
		for i := range h.Infos {
			h.Infos[i].SeqErrRate = br.longDouble()
		}
		for i := range h.Infos {
			cl := &h.Infos[i].Cleaning
			cl.TipClipping = br.u8() != 0
			cl.RemvLowCovSups = br.u8() != 0
			cl.RemvLowCovNodes = br.u8() != 0
			cl.CleanedAgainstGraph = br.u8() != 0
			cl.RemvLowCovSupsThresh = br.u32()
			cl.RemvLowCovNodesThresh = br.u32()
			if !cl.RemvLowCovSups && cl.RemvLowCovSupsThresh > 0 {
				h.warnf("color %d: supernode cleaning threshold set but cleaning disabled", i)
				cl.RemvLowCovSupsThresh = 0
			}
			if !cl.RemvLowCovNodes && cl.RemvLowCovNodesThresh > 0 {
				h.warnf("color %d: node cleaning threshold set but cleaning disabled", i)
				cl.RemvLowCovNodesThresh = 0
			}
			cl.CleanedAgainstName = br.lenString(h, "cleaned-against graph name")
		}
		if br.err != nil {
			return nil, br.n, br.wrap("per-color metadata")
		}
	}

	if err := br.magic(); err != nil {
		return nil, br.n, err
	}
	return h, br.n, nil
}

// writeHeader emits h.  The version field of h selects the format; callers
// normally write version 7.
func writeHeader(w io.Writer, h *Header) (int64, error) {
	bw := &byteWriter{w: w}
	bw.bytes([]byte(Magic))
	bw.u32(h.Version)
	bw.u32(h.KmerSize)
	bw.u32(h.NumWords)
	bw.u32(h.NumCols)
	if h.Version >= 7 {
		bw.u64(h.NumKmers)
		bw.u32(0) // shades are never written
	}
	for i := range h.Infos {
		bw.u32(h.Infos[i].MeanReadLength)
	}
	for i := range h.Infos {
		bw.u64(h.Infos[i].TotalSequence)
	}
	if h.Version >= 6 {
		for i := range h.Infos {
			bw.lenString(h.Infos[i].SampleName)
		}
		for i := range h.Infos {
			bw.longDouble(h.Infos[i].SeqErrRate)
		}
		for i := range h.Infos {
			cl := h.Infos[i].Cleaning
			bw.bool8(cl.TipClipping)
			bw.bool8(cl.RemvLowCovSups)
			bw.bool8(cl.RemvLowCovNodes)
			bw.bool8(cl.CleanedAgainstGraph)
			bw.u32(cl.RemvLowCovSupsThresh)
			bw.u32(cl.RemvLowCovNodesThresh)
			bw.lenString(cl.CleanedAgainstName)
		}
	}
	bw.bytes([]byte(Magic))
	return bw.n, bw.wrap("write header")
}
