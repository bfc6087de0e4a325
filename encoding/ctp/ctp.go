// Package ctp reads and writes path files: the binary serialization of a
// graph's path store.  A .ctp file is a header (dimensions, per-color sample
// names, a keyed checksum of the arena), the raw path arena, and one
// (bkey, head offset) entry per k-mer that has paths.
//
// Multiple path files merge into one graph: records are re-appended into the
// destination arena with rewritten chain offsets, deduplicated through the
// path hash, and their color bits remapped, sharded across workers by
// destination slot.
package ctp

import (
	"bufio"
	"io"
	"os"

	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/cortex/paths"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
)

// Magic opens every path file.
const Magic = "PATHS"

// Version is the only format version written or accepted.
const Version = 1

// checksumKey is the fixed highwayhash key for the arena digest.  The hash
// guards against torn or bit-rotted arenas, not adversaries, so a public
// constant key is fine.
var checksumKey = []byte("cortex.ctp.arena.checksum.v1\x00\x00\x00\x00")

// Entry maps one k-mer to the head of its path chain.
type Entry struct {
	Bkey   kmer.Kmer
	Pindex uint64
}

// File is a fully parsed .ctp file.
type File struct {
	Path         string
	KmerSize     uint32
	NumPathCols  uint32
	NumPathBytes uint64
	NumPaths     uint64
	SampleNames  []string
	Arena        []byte
	Entries      []Entry
}

// Write serializes g's path store.
func Write(w io.Writer, g *graph.Graph) error {
	if g.PStore == nil {
		return graph.Errorf(graph.Other, "graph has no path store")
	}
	buf := bufio.NewWriterSize(w, 1<<16)
	bw := &byteWriter{w: buf}
	arena := g.PStore.Arena()

	var entries []Entry
	g.Table.Iterate(func(slot uint64) {
		if head := g.PStore.Head(slot); head != paths.PathNull {
			entries = append(entries, Entry{Bkey: g.Bkey(slot), Pindex: head})
		}
	})

	bw.bytes([]byte(Magic))
	bw.u32(Version)
	bw.u32(uint32(g.KmerSize))
	bw.u64(uint64(len(arena)))
	bw.u64(uint64(len(entries)))
	bw.u64(g.PStore.NumPaths())
	bw.u32(uint32(g.NumCols))
	for c := 0; c < g.NumCols; c++ {
		bw.lenString(g.Infos[c].SampleName)
	}
	bw.u64(highwayhash.Sum64(arena, checksumKey))
	bw.bytes(arena)
	nwords := kmer.Words(g.KmerSize)
	for _, e := range entries {
		for i := 0; i < nwords; i++ {
			bw.u64(e.Bkey[i])
		}
		bw.u40(e.Pindex)
	}
	if bw.err != nil {
		return graph.WrapErr(graph.Io, bw.err, "write paths")
	}
	return graph.WrapErr(graph.Io, buf.Flush(), "flush paths")
}

// WriteFile writes g's path store to path.
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

// Read parses a whole .ctp stream into memory, verifying the arena checksum.
func Read(in io.Reader, name string) (*File, error) {
	buf := bufio.NewReaderSize(in, 1<<16)
	var rd io.Reader = buf
	if magic, err := buf.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(buf)
		if err != nil {
			return nil, graph.WrapErr(graph.Malformed, err, "%s: gzip header", name)
		}
		defer gz.Close() // nolint: errcheck
		rd = gz
	}
	br := &byteReader{r: rd}

	f := &File{Path: name}
	magic := br.bytesN(len(Magic))
	if br.err != nil {
		return nil, br.wrap(name, "magic")
	}
	if string(magic) != Magic {
		return nil, graph.Errorf(graph.Malformed, "%s: bad magic %q", name, magic)
	}
	version := br.u32()
	f.KmerSize = br.u32()
	f.NumPathBytes = br.u64()
	nEntries := br.u64()
	f.NumPaths = br.u64()
	f.NumPathCols = br.u32()
	if br.err != nil {
		return nil, br.wrap(name, "header")
	}
	switch {
	case version != Version:
		return nil, graph.Errorf(graph.Malformed, "%s: unsupported version %d", name, version)
	case f.KmerSize%2 == 0 || f.KmerSize < 3 || f.KmerSize > kmer.MaxKmerSize:
		return nil, graph.Errorf(graph.Malformed, "%s: bad kmer size %d", name, f.KmerSize)
	case f.NumPathCols == 0:
		return nil, graph.Errorf(graph.Malformed, "%s: zero path colors", name)
	}
	f.SampleNames = make([]string, f.NumPathCols)
	for i := range f.SampleNames {
		f.SampleNames[i] = br.lenString()
	}
	checksum := br.u64()
	if br.err != nil {
		return nil, br.wrap(name, "sample names")
	}

	f.Arena = make([]byte, f.NumPathBytes)
	if _, err := io.ReadFull(rd, f.Arena); err != nil {
		return nil, graph.WrapErr(graph.Truncated, err, "%s: path arena", name)
	}
	if highwayhash.Sum64(f.Arena, checksumKey) != checksum {
		return nil, graph.Errorf(graph.Corrupted, "%s: arena checksum mismatch", name)
	}

	nwords := kmer.Words(int(f.KmerSize))
	f.Entries = make([]Entry, nEntries)
	for i := range f.Entries {
		for w := 0; w < nwords; w++ {
			f.Entries[i].Bkey[w] = br.u64()
		}
		f.Entries[i].Pindex = br.u40()
	}
	if br.err != nil {
		return nil, br.wrap(name, "kmer entries")
	}
	for _, e := range f.Entries {
		if e.Pindex >= f.NumPathBytes {
			return nil, graph.Errorf(graph.Corrupted, "%s: head offset %d beyond arena of %d bytes", name, e.Pindex, f.NumPathBytes)
		}
	}
	return f, nil
}

// Open reads the .ctp file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, graph.WrapErr(graph.Io, err, "open %s", path)
	}
	defer f.Close() // nolint: errcheck
	return Read(f, path)
}
