// cortex-healthcheck loads a graph file (and optionally path files) into
// memory and verifies the structural invariants: every edge leads to a
// present k-mer carrying the edge's color, path chains terminate inside the
// arena, and every stored path replays through the graph.  Violations are
// written to stdout as TSV; the exit code distinguishes malformed input (1),
// capacity exhaustion (2) and I/O failures (3).
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cortex/encoding/ctp"
	"github.com/grailbio/cortex/encoding/ctx"
	"github.com/grailbio/cortex/graph"
)

var (
	noEdgeCheckFlag = flag.Bool("noedgecheck", false, "Skip the per-color edge consistency check.")
	pathFilesFlag   = flag.String("paths", "", "Comma-separated list of path files (.ctp) to load and check.")
	nKmersFlag      = flag.Uint64("nkmers", 0, "Hash table capacity; defaults to sizing from the graph file header.")
	nThreadsFlag    = flag.Int("nthreads", 2, "Worker threads for the path merge.")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cortex-healthcheck [options] <graph.ctx>

Load a graph (and any path files) and check that they are valid.

`)
	flag.PrintDefaults()
}

func run(ctxPath string) error {
	var ctpPaths []string
	if *pathFilesFlag != "" {
		ctpPaths = strings.Split(*pathFilesFlag, ",")
	}
	if *noEdgeCheckFlag && len(ctpPaths) == 0 {
		return graph.Errorf(graph.Other, "-noedgecheck and no path files: nothing to check")
	}

	r, err := ctx.OpenReader(ctxPath)
	if err != nil {
		return err
	}
	defer r.Close() // nolint: errcheck
	hdr := r.Header

	capacity := *nKmersFlag
	if capacity == 0 {
		capacity = hdr.NumKmers + hdr.NumKmers/4 + 64
	}
	g, err := graph.New(int(hdr.KmerSize), int(hdr.NumCols), int(hdr.NumCols), capacity)
	if err != nil {
		return err
	}
	log.Printf("loading %s: %d kmers, %d colors, k=%d", ctxPath, hdr.NumKmers, hdr.NumCols, hdr.KmerSize)
	var stats ctx.LoadStats
	if err := r.Load(g, ctx.Prefs{MustExistInColor: -1, EmptyColors: true}, &stats); err != nil {
		return err
	}
	log.Printf("loaded %d kmers", stats.KmersLoaded)

	var (
		files      []*ctp.File
		arenaBytes uint64
	)
	for _, p := range ctpPaths {
		f, err := ctp.Open(p)
		if err != nil {
			return err
		}
		arenaBytes += f.NumPathBytes
		files = append(files, f)
	}
	if len(files) > 0 {
		g.AttachPaths(arenaBytes + arenaBytes/4 + 1024)
		if err := ctp.LoadMerge(g, files, *nThreadsFlag, make([][]int, len(files))); err != nil {
			return err
		}
		log.Printf("loaded %d path files: %d paths", len(files), g.PStore.NumPaths())
	}

	report := g.HealthCheck(!*noEdgeCheckFlag)
	if g.PStore != nil {
		if err := g.PStore.IntegrityCheck(); err != nil {
			return graph.WrapErr(graph.Corrupted, err, "path store")
		}
		log.Printf("tracing paths through the graph")
		trace := g.CheckPathsTrace()
		report.PathsChecked = trace.PathsChecked
		report.Violations = append(report.Violations, trace.Violations...)
	}

	if err := writeReport(os.Stdout, &report); err != nil {
		return err
	}
	if !report.OK() {
		return graph.Errorf(graph.Corrupted, "%d violations", len(report.Violations))
	}
	log.Printf("all good: %d kmers, %d paths checked", report.KmersChecked, report.PathsChecked)
	return nil
}

func writeReport(w *os.File, report *graph.HealthReport) error {
	out := tsv.NewWriter(w)
	for _, v := range report.Violations {
		out.WriteString(v.Kind.String())
		out.WriteInt64(int64(v.Slot))
		out.WriteInt64(int64(v.Color))
		out.WriteString(string(v.Nuc.Char()))
		out.WriteInt64(int64(v.Orient))
		out.WriteInt64(int64(v.Step))
		if err := out.EndLine(); err != nil {
			return graph.WrapErr(graph.Io, err, "write report")
		}
	}
	return graph.WrapErr(graph.Io, out.Flush(), "flush report")
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
