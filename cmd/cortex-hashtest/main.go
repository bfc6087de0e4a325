// cortex-hashtest exercises the k-mer hash table with random insertions and
// prints occupancy statistics.  Useful for eyeballing probe behavior at
// different fill levels.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cortex/khash"
	"github.com/grailbio/cortex/kmer"
)

var (
	kFlag      = flag.Int("k", 31, "Kmer size (odd).")
	nKmersFlag = flag.Uint64("nkmers", 1<<20, "Hash table capacity.")
	seedFlag   = flag.Int64("seed", 0, "Random seed; 0 picks one from the clock.")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cortex-hashtest [options] <num_ops>

Insert <num_ops> random kmers and report hash table statistics.

`)
	flag.PrintDefaults()
}

func randomKmer(r *rand.Rand, k int) kmer.Kmer {
	buf := make([]byte, k)
	for i := range buf {
		buf[i] = "ACGT"[r.Intn(4)]
	}
	return kmer.MustEncode(string(buf)).Key(k)
}

func main() {
	flag.Usage = usage
	cleanup := grail.Init()
	defer cleanup()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	numOps, err := strconv.ParseUint(flag.Arg(0), 10, 64)
	if err != nil {
		log.Fatalf("invalid <num_ops> %q: %v", flag.Arg(0), err)
	}
	seed := *seedFlag
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	t := khash.New(*kFlag, *nKmersFlag)
	t.LogStats()
	start := time.Now()
	var full uint64
	for i := uint64(0); i < numOps; i++ {
		if _, _, err := t.FindOrInsert(randomKmer(r, *kFlag)); err != nil {
			full++
		}
	}
	elapsed := time.Since(start)
	t.LogStats()
	log.Printf("%d ops in %v (%.0f ops/s), %d rejected at capacity",
		numOps, elapsed, float64(numOps)/elapsed.Seconds(), full)
}
