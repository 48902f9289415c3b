package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	httpapi "lsmkv/internal/http"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	ops := flag.Int("ops", 1000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	flag.Parse()

	baseURL := "http://localhost:8080"
	if flag.NArg() > 0 {
		baseURL = flag.Arg(0)
	}
	c := httpapi.NewClient(baseURL)
	ctx := context.Background()

	fmt.Println("=== LSMDB Benchmark Test ===")
	fmt.Printf("Target: %s\n", baseURL)
	fmt.Println()

	if _, err := c.Stats(ctx); err != nil {
		fmt.Printf("ERROR: node %s is not available: %v\n", baseURL, err)
		os.Exit(1)
	}

	put := func(prefix string) func(g, j int) error {
		return func(g, j int) error {
			key := fmt.Sprintf("%s_%d_%d", prefix, g, j)
			return c.Put(ctx, key, fmt.Sprintf("bench_value_%d_%d_%d", g, j, time.Now().UnixNano()))
		}
	}
	get := func(prefix string) func(g, j int) error {
		return func(g, j int) error {
			_, found, err := c.Get(ctx, fmt.Sprintf("%s_%d_%d", prefix, g, j))
			if err == nil && !found {
				err = fmt.Errorf("key %s_%d_%d not found", prefix, g, j)
			}
			return err
		}
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, put("seq")))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult(benchmark(*ops, 1, get("seq")))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, put("conc")))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, get("conc")))

	fmt.Println("\nTest 5: Flush")
	start := time.Now()
	if err := c.Flush(ctx); err != nil {
		fmt.Printf("  flush failed: %v\n", err)
	} else {
		fmt.Printf("  Duration: %v\n", time.Since(start))
	}

	fmt.Printf("\nTest 6: Concurrent Reads after flush (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(*ops, *concurrency, get("conc")))

	if s, err := c.Stats(ctx); err == nil {
		fmt.Printf("\nEngine: sstables=%d l0=%d sequence=%d memtable_entries=%d\n",
			s.NumSSTables, s.L0Files, s.SequenceNumber, s.MemtableEntries)
	}
	fmt.Println("\n=== Benchmark Complete ===")
}

// benchmark spreads totalOps calls of op over concurrency goroutines. op
// receives the goroutine number and the operation index within it.
func benchmark(totalOps, concurrency int, op func(g, j int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	result := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return result
	}

	slices.Sort(latencies)
	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	result.AvgLatency = sum / time.Duration(len(latencies))
	result.MinLatency = latencies[0]
	result.MaxLatency = latencies[len(latencies)-1]
	result.P99Latency = latencies[len(latencies)*99/100]
	return result
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
