package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"schemaver/pkg/changeset"
	"schemaver/pkg/migration"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
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

type item struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Batch int    `json:"batch"`
}

var itemsDesc = table.Descriptor{
	Name:          "items",
	Semantics:     types.OrderedSet,
	Attributes:    []string{"id", "name", "batch"},
	Autoincrement: types.AutoincrementCounter,
}

func main() {
	ops := flag.Int("ops", 10000, "operations per test")
	workers := flag.Int("c", 10, "concurrent workers")
	sets := flag.Int("changesets", 200, "change sets in the migrate test")
	flag.Parse()

	ctx := context.Background()
	s := store.NewMemory(store.Options{
		Local:       "bench",
		Nodes:       []types.NodeID{"bench"},
		LockTimeout: 10 * time.Second,
	})
	defer s.Close()

	items, err := table.New[int64, item](s, itemsDesc,
		table.WithKeyFunc[int64, item](func(i item) int64 { return i.ID }),
		table.WithSetKey[int64, item](func(i item, id int64) item { i.ID = id; return i }))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	items.MustCreate(ctx)

	fmt.Println("=== schemaver benchmark ===")

	fmt.Printf("Test 1: Sequential autoincrement writes (%d operations)\n", *ops)
	printResult(run(*ops, 1, func(i int) error {
		_, err := items.Write(ctx, item{Name: fmt.Sprintf("seq-%d", i)})
		return err
	}))

	fmt.Printf("\nTest 2: Concurrent autoincrement writes (%d operations, %d workers)\n", *ops, *workers)
	printResult(run(*ops, *workers, func(i int) error {
		_, err := items.Write(ctx, item{Name: fmt.Sprintf("par-%d", i), Batch: 1})
		return err
	}))

	fmt.Printf("\nTest 3: Concurrent reads (%d operations, %d workers)\n", *ops, *workers)
	printResult(run(*ops, *workers, func(i int) error {
		_, err := items.Get(ctx, int64(i%*ops)+1)
		return err
	}))

	fmt.Printf("\nTest 4: Ordered scan\n")
	printResult(run(1, 1, func(int) error {
		n := 0
		stream := items.Stream(ctx, table.DefaultPageSize)
		for range stream.All() {
			n++
		}
		if err := stream.Err(); err != nil {
			return err
		}
		if n != 2**ops {
			return fmt.Errorf("scanned %d rows, want %d", n, 2**ops)
		}
		return nil
	}))

	fmt.Printf("\nTest 5: Migrate %d change sets\n", *sets)
	printResult(run(1, 1, func(int) error {
		return migrate(ctx, s, *sets)
	}))

	fmt.Println("\n=== Benchmark Complete ===")
}

// migrate applies n data transforms, each touching one row.
func migrate(ctx context.Context, s store.Adapter, n int) error {
	list := make([]changeset.ChangeSet, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(i)
		list = append(list, changeset.ChangeSet{
			Sequence: types.Sequence(i),
			Change: changeset.DataTransform{
				Name: fmt.Sprintf("rename-%d", i),
				Up: func(ctx context.Context, env changeset.Env) error {
					tbl, err := table.New[int64, item](env.Store, itemsDesc,
						table.WithKeyFunc[int64, item](func(i item) int64 { return i.ID }))
					if err != nil {
						return err
					}
					it, err := tbl.Get(ctx, id)
					if err != nil {
						return err
					}
					it.Name += "-migrated"
					_, err = tbl.Write(ctx, it)
					return err
				},
			},
		})
	}
	e, err := migration.New(migration.Options{Database: "bench", Store: s, ChangeSets: list})
	if err != nil {
		return err
	}
	res, err := e.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(res.Applied) != n {
		return fmt.Errorf("applied %d of %d", len(res.Applied), n)
	}
	return nil
}

// run executes op totalOps times over concurrency workers.
func run(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	var (
		mu         sync.Mutex
		successful int
		failed     int
		latencies  = make([]time.Duration, 0, totalOps)
	)

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 0; i < totalOps; i++ {
		g.Go(func() error {
			opStart := time.Now()
			err := op(i)
			latency := time.Since(opStart)

			mu.Lock()
			if err == nil {
				successful++
			} else {
				failed++
			}
			latencies = append(latencies, latency)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	duration := time.Since(start)

	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
	}
	if len(latencies) == 0 {
		return res
	}
	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[len(latencies)*99/100]
	return res
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
