// Command bench runs a synthetic workload against an in-process grid and
// reports sizes by peek mode. Optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/grid"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	pmet "github.com/IvanBrykalov/shardgrid/metrics/prom"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/transport/inproc"
)

func main() {
	// ---- Flags ----
	var (
		nodes      = flag.Int("nodes", 3, "number of in-process grid nodes")
		partitions = flag.Int("partitions", 64, "partitions per cache")
		backups    = flag.Int("backups", 1, "backup copies per partition")
		heapCap    = flag.Int("heap", 20_000, "on-heap capacity per node")
		offCap     = flag.Int("offheap", 40_000, "off-heap capacity per node (0 = unbounded, <0 = off)")
		swap       = flag.String("swap", "memory", "swap tier: none | memory")
		policy     = flag.String("policy", "lru", "tier ordering: lru | fifo | 2q")
		near       = flag.Bool("near", true, "keep near copies on non-owners")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys  = flag.Int("keys", 200_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		verbose     = flag.Bool("v", false, "log grid events")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "shardgrid", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}

	// ---- Build cluster ----
	members := cluster.NewMembership(logger)
	net := inproc.NewNetwork()
	gridNodes := make([]*grid.Node, *nodes)
	joined := make([]cluster.Member, *nodes)
	for i := range gridNodes {
		id := affinity.NodeID("node-" + strconv.Itoa(i))
		n, err := grid.NewNode(grid.Options{
			ID:         id,
			Membership: members,
			Transport:  net.Transport(id),
			Metrics:    metrics,
			Logger:     logger,
		})
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = n.Close() }()
		net.Register(id, n)
		gridNodes[i] = n
		joined[i] = cluster.Member{ID: id}
	}
	members.Join(joined...)

	req := lifecycle.Start(lifecycle.StartConfig{
		Name:            "bench",
		Partitions:      *partitions,
		Backups:         *backups,
		HeapCapacity:    *heapCap,
		OffHeapCapacity: *offCap,
		Swap:            lifecycle.SwapKind(*swap),
		Policy:          *policy,
		NearEnabled:     *near,
	})
	caches := make([]*grid.Cache, len(gridNodes))
	for i, n := range gridNodes {
		if err := n.Apply(req); err != nil {
			log.Fatalf("start cache: %v", err)
		}
		c, err := n.Cache("bench")
		if err != nil {
			log.Fatal(err)
		}
		caches[i] = c
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, failures, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)
			c := caches[id%len(caches)]

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					_, ok, err := c.Get(ctx, keyByZipf())
					switch {
					case err != nil:
						atomic.AddUint64(&failures, 1)
					case ok:
						atomic.AddUint64(&hits, 1)
					default:
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					k := keyByZipf()
					if err := c.Put(ctx, k, []byte("v"+strconv.Itoa(localR.Int()))); err != nil {
						atomic.AddUint64(&failures, 1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}

	fmt.Printf("nodes=%d partitions=%d backups=%d policy=%s workers=%d keys=%d dur=%v seed=%d\n",
		*nodes, *partitions, *backups, *policy, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN, atomic.LoadUint64(&failures))
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)

	report := []struct {
		name  string
		modes []peek.Mode
	}{
		{"ALL", nil},
		{"PRIMARY", []peek.Mode{peek.Primary}},
		{"BACKUP", []peek.Mode{peek.Backup}},
		{"NEAR", []peek.Mode{peek.Near}},
		{"ONHEAP", []peek.Mode{peek.OnHeap}},
		{"OFFHEAP", []peek.Mode{peek.OffHeap}},
		{"SWAP", []peek.Mode{peek.Swap}},
	}
	for _, r := range report {
		qs := time.Now()
		n, err := caches[0].SizeLong(context.Background(), grid.AllPartitions, r.modes...)
		if err != nil {
			fmt.Printf("size(%s): %v\n", r.name, err)
			continue
		}
		fmt.Printf("size(%-7s) = %-9d (%v)\n", r.name, n, time.Since(qs))
	}
}
