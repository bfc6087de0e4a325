package ctp

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/cortex/graph"
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
	"github.com/grailbio/cortex/paths"
)

// LoadMerge merges the given path files into g's path store.  Every source
// record is re-appended into the destination arena (chain offsets rewritten
// by construction), deduplicated against paths already present through the
// path hash, and its color bits translated by the file's color map.
// colorMaps[i] translates file i's path colors to graph colors; nil means
// identity.  Work is sharded across nthreads workers by destination slot,
// so no two workers ever contend on one k-mer's chain.
func LoadMerge(g *graph.Graph, files []*File, nthreads int, colorMaps [][]int) error {
	if g.PStore == nil {
		return graph.Errorf(graph.Other, "graph has no path store attached")
	}
	if nthreads < 1 {
		nthreads = 1
	}
	if colorMaps == nil {
		colorMaps = make([][]int, len(files))
	}
	if len(colorMaps) != len(files) {
		return graph.Errorf(graph.Incompatible, "%d color maps for %d files", len(colorMaps), len(files))
	}
	totalPaths := g.PStore.NumPaths()
	for i, f := range files {
		if int(f.KmerSize) != g.KmerSize {
			return graph.Errorf(graph.Incompatible, "%s: kmer size %d, graph has %d", f.Path, f.KmerSize, g.KmerSize)
		}
		cm := colorMaps[i]
		if cm == nil {
			if int(f.NumPathCols) > g.NumCols {
				return graph.Errorf(graph.Incompatible, "%s: %d path colors exceed the graph's %d and no color map given", f.Path, f.NumPathCols, g.NumCols)
			}
			continue
		}
		if len(cm) != int(f.NumPathCols) {
			return graph.Errorf(graph.Incompatible, "%s: color map has %d entries for %d path colors", f.Path, len(cm), f.NumPathCols)
		}
		for _, dst := range cm {
			if dst < 0 || dst >= g.NumCols {
				return graph.Errorf(graph.Incompatible, "%s: color map target %d out of range", f.Path, dst)
			}
		}
	}
	for _, f := range files {
		totalPaths += f.NumPaths
	}

	phash := paths.NewHash(g.KmerSize, 2*totalPaths+16)
	if err := seedHash(g, phash); err != nil {
		return err
	}

	err := traverse.Each(nthreads, func(worker int) error {
		for fi, f := range files {
			if err := mergeFileShard(g, phash, f, colorMaps[fi], worker, nthreads); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug.Printf("merged %d path files: %d paths, %d arena bytes",
		len(files), g.PStore.NumPaths(), g.PStore.Len())
	return nil
}

// seedHash registers the store's existing records so merging dedups against
// them, not only across the incoming files.
func seedHash(g *graph.Graph, phash *paths.Hash) error {
	st := g.PStore
	var err error
	g.Table.Iterate(func(slot uint64) {
		if err != nil {
			return
		}
		bkey := g.Bkey(slot)
		st.Iterate(slot, func(pindex uint64) bool {
			packed := packRecord(st.PathLen(pindex), st.Seq(pindex))
			pos, inserted, herr := phash.FindOrInsert(bkey, packed, st)
			if herr != nil {
				err = graph.WrapErr(graph.OutOfCapacity, herr, "seeding path hash")
				return false
			}
			if inserted {
				phash.SetPindex(pos, pindex)
			}
			return true
		})
	})
	return err
}

func mergeFileShard(g *graph.Graph, phash *paths.Hash, f *File, colorMap []int, worker, nthreads int) error {
	st := g.PStore
	arenaLen := uint64(len(f.Arena))
	maxSteps := arenaLen/uint64(paths.RecordBytes(1, int(f.NumPathCols))) + 1
	dstColors := make([]byte, paths.ColorBytes(g.NumCols))

	for _, e := range f.Entries {
		slot := g.Table.Find(e.Bkey)
		if slot == khash.NotFound {
			return graph.Errorf(graph.Corrupted, "%s: path for kmer %s not in graph",
				f.Path, e.Bkey.String(g.KmerSize))
		}
		if slot%uint64(nthreads) != uint64(worker) {
			continue
		}
		bkey := g.Bkey(slot)
		steps := uint64(0)
		for off := e.Pindex; off != paths.PathNull; {
			if off >= arenaLen {
				return graph.Errorf(graph.Corrupted, "%s: path offset %d beyond arena of %d bytes", f.Path, off, arenaLen)
			}
			if steps++; steps > maxSteps {
				return graph.Errorf(graph.Corrupted, "%s: path chain overrun at kmer %s", f.Path, e.Bkey.String(g.KmerSize))
			}
			prev, plen, seq, srcColors := paths.ReadRecord(f.Arena, off, int(f.NumPathCols))
			remapColors(dstColors, srcColors, colorMap, int(f.NumPathCols))
			if err := mergeRecord(st, phash, slot, bkey, plen, seq, dstColors); err != nil {
				return graph.WrapErr(graph.KindOf(err), err, "%s", f.Path)
			}
			off = prev
		}
	}
	return nil
}

// mergeRecord dedups one path into the destination store under the slot
// lock: a fresh path is appended and committed to the hash, a known one just
// gains the new color bits.
func mergeRecord(st *paths.Store, phash *paths.Hash, slot uint64, bkey kmer.Kmer, plen uint16, seq, colors []byte) error {
	packed := packRecord(plen, seq)
	st.LockSlot(slot)
	defer st.UnlockSlot(slot)
	pos, inserted, err := phash.FindOrInsert(bkey, packed, st)
	if err != nil {
		return graph.WrapErr(graph.OutOfCapacity, err, "path hash")
	}
	if !inserted {
		st.OrColors(phash.Pindex(pos), colors)
		return nil
	}
	pindex, err := st.Add(st.Head(slot), plen, seq, colors)
	if err != nil {
		return graph.WrapErr(graph.OutOfCapacity, err, "path arena")
	}
	st.Link(slot, pindex)
	phash.SetPindex(pos, pindex)
	return nil
}

func packRecord(plen uint16, seq []byte) []byte {
	packed := make([]byte, 2, 2+len(seq))
	packed[0] = byte(plen)
	packed[1] = byte(plen >> 8)
	return append(packed, seq...)
}

// remapColors translates a source color bitmap through colorMap (nil =
// identity) into dst, which is zeroed first.
func remapColors(dst, src []byte, colorMap []int, srcCols int) {
	for i := range dst {
		dst[i] = 0
	}
	for c := 0; c < srcCols; c++ {
		if src[c/8]&(1<<(uint(c)%8)) == 0 {
			continue
		}
		d := c
		if colorMap != nil {
			d = colorMap[c]
		}
		dst[d/8] |= 1 << (uint(d) % 8)
	}
}
