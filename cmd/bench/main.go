// Concurrent benchmark for the throttled HTTP API.
//
// Each worker runs acquire/release rounds against one semaphore and reports
// throughput plus latency percentiles, so contention on the admission engine
// is measured rather than connection setup (connections are pooled by
// net/http).
//
// Usage:
//
//	go run ./cmd/bench [--url http://127.0.0.1:8000] [--workers 10] \
//	    [--rounds 50] [--semaphore bench] [--weight 1] [--wait 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Drizzley/throttle/client"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8000", "throttled base URL")
	workers := flag.Int("workers", 10, "number of concurrent workers")
	rounds := flag.Int("rounds", 50, "acquire/release rounds per worker")
	semaphore := flag.String("semaphore", "bench", "semaphore to contend on")
	weight := flag.Int64("weight", 1, "weight per acquire")
	wait := flag.Duration("wait", 30*time.Second, "per-acquire wait deadline")
	ttl := flag.Duration("ttl", 10*time.Second, "lease TTL")
	flag.Parse()

	fmt.Printf("bench: %d workers x %d rounds (semaphore=%q, weight=%d)\n\n",
		*workers, *rounds, *semaphore, *weight)

	type result struct {
		latencies []float64
		err       error
	}

	c := client.New(*baseURL)
	demands := map[string]int64{*semaphore: *weight}

	results := make([]result, *workers)
	var wg sync.WaitGroup

	wallStart := time.Now()

	for i := range *workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			latencies := make([]float64, 0, *rounds)
			for range *rounds {
				t0 := time.Now()
				leaseID, err := c.Acquire(context.Background(), demands, *ttl, *wait)
				if err != nil {
					results[id] = result{err: fmt.Errorf("acquire: %w", err)}
					return
				}
				if err := c.Release(context.Background(), leaseID); err != nil {
					results[id] = result{err: fmt.Errorf("release: %w", err)}
					return
				}
				latencies = append(latencies, time.Since(t0).Seconds())
			}
			results[id] = result{latencies: latencies}
		}(i)
	}

	wg.Wait()
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(os.Stderr, "worker %d error: %v\n", i, r.err)
			os.Exit(1)
		}
		all = append(all, r.latencies...)
	}

	totalOps := len(all)
	sort.Float64s(all)

	mn := mean(all)
	sd := stdev(all, mn)

	fmt.Printf("  total ops : %d\n", totalOps)
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %.1f ops/s\n", float64(totalOps)/wall)
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", all[0]*1000)
	fmt.Printf("  max       : %.3f ms\n", all[totalOps-1]*1000)
	fmt.Printf("  p50       : %.3f ms\n", percentile(all, 50)*1000)
	fmt.Printf("  p99       : %.3f ms\n", percentile(all, 99)*1000)
	fmt.Printf("  stdev     : %.3f ms\n", sd*1000)
}

func mean(sorted []float64) float64 {
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted))
}

func stdev(sorted []float64, mean float64) float64 {
	var sum float64
	for _, v := range sorted {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(sorted)))
}

// percentile returns the p-th percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
