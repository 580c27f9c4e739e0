// Command quiver builds an index over random vectors and reports search
// quality and timings against a brute-force baseline. It is the quickest way
// to compare algorithms and parameter choices on a given shape of data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/index"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/engine"
)

func main() {
	var (
		numPoints   = flag.Int("n", 10000, "number of points to index")
		dims        = flag.Int("d", 32, "dimensionality")
		numQueries  = flag.Int("q", 100, "number of queries")
		k           = flag.Int("k", 5, "neighbors per query")
		algorithm   = flag.String("algorithm", "", "index algorithm (linear, kdtree, kmeans, composite, kdtree_single, autotuned)")
		configPath  = flag.String("config", "", "YAML parameter file")
		checks      = flag.Int("checks", 0, "search checks budget (-1 exact, 0 keep configured)")
		trees       = flag.Int("trees", 0, "kdtree forest size (0 keep configured)")
		branching   = flag.Int("branching", 0, "kmeans branching factor (0 keep configured)")
		seed        = flag.Int64("seed", 1, "random seed for data and index")
		savePath    = flag.String("save", "", "write the built index to this file")
		showMetrics = flag.Bool("show-metrics", false, "dump collected metrics on exit")
	)
	flag.Parse()

	p := params.Default()
	if *configPath != "" {
		loaded, err := params.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		p = loaded
	}
	if *algorithm != "" {
		p.Algorithm = params.Algorithm(*algorithm)
	}
	if *checks != 0 {
		p.Checks = *checks
	}
	if *trees > 0 {
		p.Trees = *trees
	}
	if *branching > 0 {
		p.Branching = *branching
	}
	p.RandomSeed = *seed
	if err := p.Validate(); err != nil {
		log.Fatalf("invalid parameters: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: p.SlogLevel()}))
	eng := engine.New(logger)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(*seed))
	data := randomVectors(rng, *numPoints, *dims)
	queries := randomVectors(rng, *numQueries, *dims)

	start := time.Now()
	h, err := engine.Build(ctx, eng, data, p)
	if err != nil {
		log.Fatalf("build failed: %v", err)
	}
	buildTime := time.Since(start)
	info, err := eng.Info(h)
	if err != nil {
		log.Fatalf("info failed: %v", err)
	}
	fmt.Printf("built %s index over %d points (%d dims) in %v, %d bytes overhead\n",
		info.Algorithm, info.Size, *dims, buildTime.Round(time.Microsecond), info.UsedMemory)

	start = time.Now()
	res, err := engine.Search(ctx, eng, h, queries, *k, p)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}
	searchTime := time.Since(start)
	fmt.Printf("answered %d queries (k=%d) in %v (%.1f us/query)\n",
		*numQueries, *k, searchTime.Round(time.Microsecond),
		float64(searchTime.Microseconds())/float64(*numQueries))

	if info.Algorithm != params.Linear {
		fmt.Printf("recall@%d: %.4f\n", *k, measureRecall(ctx, eng, data, queries, *k, p, res))
	}

	if *savePath != "" {
		f, err := os.Create(*savePath)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *savePath, err)
		}
		if err := eng.Save(h, f); err != nil {
			log.Fatalf("save failed: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("failed to close %s: %v", *savePath, err)
		}
		st, _ := os.Stat(*savePath)
		fmt.Printf("saved index to %s (%d bytes)\n", *savePath, st.Size())
	}

	if *showMetrics {
		dumpMetrics()
	}
}

func randomVectors(rng *rand.Rand, rows, cols int) *dataset.Matrix[float32] {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()
	}
	m, err := dataset.FromSlice(data, rows, cols)
	if err != nil {
		log.Fatalf("failed to build dataset: %v", err)
	}
	return m
}

// measureRecall compares approximate results against a brute-force scan over
// the same data.
func measureRecall(ctx context.Context, eng *engine.Engine, data, queries *dataset.Matrix[float32], k int, p params.Parameters, approx *index.Result) float64 {
	lp := p
	lp.Algorithm = params.Linear
	lh, err := engine.Build(ctx, eng, data, lp)
	if err != nil {
		log.Fatalf("baseline build failed: %v", err)
	}
	defer func() { _ = eng.Free(lh) }()
	exact, err := engine.Search(ctx, eng, lh, queries, k, lp)
	if err != nil {
		log.Fatalf("baseline search failed: %v", err)
	}
	hits, total := 0, 0
	for qi := range exact.Indices {
		truth := make(map[int]bool, len(exact.Indices[qi]))
		for _, id := range exact.Indices[qi] {
			truth[id] = true
		}
		for _, id := range approx.Indices[qi] {
			if truth[id] {
				hits++
			}
		}
		total += len(exact.Indices[qi])
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func dumpMetrics() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Fatalf("failed to gather metrics: %v", err)
	}
	fmt.Println("--- metrics ---")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s%s %v\n", mf.GetName(), labels, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s%s %v\n", mf.GetName(), labels, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Printf("%s%s count=%d sum=%vs\n", mf.GetName(), labels, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
}
