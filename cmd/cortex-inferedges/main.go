// cortex-inferedges adds the edges a population graph is missing: where two
// k-mers coexist in a sample but the sample's edge bits don't record the
// adjacency.  With -pop only edges present in some colors but not all are
// considered; the default considers every absent edge.  The result is
// written to -out, or replaces the input file atomically.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cortex/encoding/ctx"
	"github.com/grailbio/cortex/graph"
	"github.com/natefinch/atomic"
)

var (
	popFlag      = flag.Bool("pop", false, "Add only edges in the union of colors but not the intersection.")
	allFlag      = flag.Bool("all", false, "Add all missing edges (the default).")
	outFlag      = flag.String("out", "", "Output file; default is to rewrite the input in place.")
	nKmersFlag   = flag.Uint64("nkmers", 0, "Hash table capacity; defaults to sizing from the graph file header.")
	nThreadsFlag = flag.Int("nthreads", 0, "Worker threads; 0 means GOMAXPROCS.")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cortex-inferedges [options] <pop.ctx>

Infer edges in a population graph.

`)
	flag.PrintDefaults()
}

func run(path string) error {
	if *popFlag && *allFlag {
		return graph.Errorf(graph.Other, "specify only one of -all, -pop")
	}
	policy := graph.InferAll
	if *popFlag {
		policy = graph.InferPopUnion
	}
	nthreads := *nThreadsFlag
	if nthreads <= 0 {
		nthreads = runtime.GOMAXPROCS(0)
	}

	r, err := ctx.OpenReader(path)
	if err != nil {
		return err
	}
	hdr := r.Header
	capacity := *nKmersFlag
	if capacity == 0 {
		capacity = hdr.NumKmers + hdr.NumKmers/4 + 64
	}
	g, err := graph.New(int(hdr.KmerSize), int(hdr.NumCols), int(hdr.NumCols), capacity)
	if err != nil {
		return err
	}
	var stats ctx.LoadStats
	if err := r.Load(g, ctx.DefaultPrefs, &stats); err != nil {
		return err
	}
	if err := r.Close(); err != nil {
		return graph.WrapErr(graph.Io, err, "close %s", path)
	}
	log.Printf("loaded %d kmers, %d colors from %s", stats.KmersLoaded, hdr.NumCols, path)

	modified, err := g.InferEdges(policy, nthreads)
	if err != nil {
		return err
	}
	total := g.Table.NumKmers()
	log.Printf("%d of %d (%.2f%%) nodes modified", modified, total,
		100*float64(modified)/float64(total))

	if *outFlag != "" {
		return ctx.WriteFile(g, *outFlag)
	}
	// Rewrite the input through a temp file so a crash never leaves a
	// half-written graph behind.
	tmp := path + ".inferedges.tmp"
	if err := ctx.WriteFile(g, tmp); err != nil {
		os.Remove(tmp) // nolint: errcheck
		return err
	}
	if err := atomic.ReplaceFile(tmp, path); err != nil {
		os.Remove(tmp) // nolint: errcheck
		return graph.WrapErr(graph.Io, err, "replace %s", path)
	}
	return nil
}

func main() {
	flag.Usage = usage
	cleanup := grail.Init()
	if flag.NArg() != 1 {
		usage()
		cleanup()
		os.Exit(1)
	}
	err := run(flag.Arg(0))
	cleanup()
	if err != nil {
		log.Error.Printf("%v", err)
		os.Exit(graph.ExitCode(err))
	}
}
