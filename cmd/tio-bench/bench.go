package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/tio"
	"github.com/pior/tio/wire"
)

type Operation string

const (
	Queue    Operation = "queue"
	Map      Operation = "map"
	Query    Operation = "query"
	Pipeline Operation = "pipeline"
	All      Operation = "all"
)

var allOperations = []Operation{Queue, Map, Query, Pipeline}

type BenchmarkResult struct {
	Operation    Operation
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// worker runs one iteration and reports how many operations it did and
// whether the data it read back was consistent.
type worker func(ctx context.Context, conn *tio.Conn, workerID, iteration int) (ops int, ok bool, err error)

var benchmarks = map[Operation]worker{
	Queue:    queueWorker,
	Map:      mapWorker,
	Query:    queryWorker,
	Pipeline: pipelineWorker,
}

func run(ctx context.Context, cluster *tio.Cluster, op Operation, duration time.Duration, concurrency int) *BenchmarkResult {
	fn, ok := benchmarks[op]
	if !ok {
		return &BenchmarkResult{Operation: op, ErrorMessage: fmt.Sprintf("Unknown operation: %s", op)}
	}

	fmt.Printf("Starting %s benchmark with %d workers for %v...\n", op, concurrency, duration)

	result := &BenchmarkResult{Operation: op, Correctness: true}
	var totalOps, successes, failures, totalLatency atomic.Int64
	var mismatch atomic.Bool

	startTime := time.Now()
	var wg sync.WaitGroup

	for i := range concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			name := fmt.Sprintf("bench-%s-%d", op, workerID)
			for iteration := 0; time.Since(startTime) < duration; iteration++ {
				opStart := time.Now()
				var n int
				var consistent bool
				err := cluster.Exec(ctx, name, func(conn *tio.Conn) error {
					var err error
					n, consistent, err = fn(ctx, conn, workerID, iteration)
					return err
				})
				latency := time.Since(opStart)

				n = max(n, 1)
				totalOps.Add(int64(n))
				totalLatency.Add(int64(latency))

				if err != nil {
					failures.Add(int64(n))
					continue
				}
				successes.Add(int64(n))
				if !consistent {
					mismatch.Store(true)
				}
			}
		}(i)
	}

	wg.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps.Load()
	result.Successes = successes.Load()
	result.Failures = failures.Load()
	if mismatch.Load() {
		result.Correctness = false
		result.ErrorMessage = "Value mismatch"
	}

	if result.TotalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.TotalOps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}
	return result
}

func openBench(ctx context.Context, conn *tio.Conn, op Operation, workerID int, typ string) (*tio.Container, error) {
	return conn.Create(ctx, fmt.Sprintf("bench-%s-%d", op, workerID), typ)
}

// queue: push then pop, the value must come back
func queueWorker(ctx context.Context, conn *tio.Conn, workerID, iteration int) (int, bool, error) {
	c, err := openBench(ctx, conn, Queue, workerID, "volatile_list")
	if err != nil {
		return 0, false, err
	}
	defer c.Close(ctx)

	value := wire.StringValue(fmt.Sprintf("job-%d-%d", workerID, iteration))
	if err := c.PushBack(ctx, value, wire.None()); err != nil {
		return 1, false, err
	}
	rec, err := c.PopFront(ctx)
	if err != nil {
		return 2, false, err
	}
	return 2, rec.Value.Equal(value), nil
}

// map: set then get the same key
func mapWorker(ctx context.Context, conn *tio.Conn, workerID, iteration int) (int, bool, error) {
	c, err := openBench(ctx, conn, Map, workerID, "volatile_map")
	if err != nil {
		return 0, false, err
	}
	defer c.Close(ctx)

	key := wire.StringValue(fmt.Sprintf("key-%d", iteration%100))
	value := wire.IntValue(int64(iteration))
	if err := c.Set(ctx, key, value, wire.None()); err != nil {
		return 1, false, err
	}
	rec, err := c.Get(ctx, key)
	if err != nil {
		return 2, false, err
	}
	return 2, rec.Value.Equal(value), nil
}

const queryListSize = 100

// query: read a full list kept at a fixed size
func queryWorker(ctx context.Context, conn *tio.Conn, workerID, iteration int) (int, bool, error) {
	c, err := openBench(ctx, conn, Query, workerID, "volatile_list")
	if err != nil {
		return 0, false, err
	}
	defer c.Close(ctx)

	if iteration == 0 {
		if err := c.Clear(ctx); err != nil {
			return 1, false, err
		}
		values := make([]any, queryListSize)
		for i := range values {
			values[i] = i
		}
		if err := c.Extend(ctx, values...); err != nil {
			return 1, false, err
		}
	}

	records, err := c.Query(ctx)
	if err != nil {
		return 1, false, err
	}
	return 1, len(records) == queryListSize, nil
}

const pipelineBatch = 50

// pipeline: a batch of pushes collected at once, then trimmed back
func pipelineWorker(ctx context.Context, conn *tio.Conn, workerID, iteration int) (int, bool, error) {
	c, err := openBench(ctx, conn, Pipeline, workerID, "volatile_list")
	if err != nil {
		return 0, false, err
	}
	defer c.Close(ctx)

	// a connection left in pipelining mode is not returned to the pool
	if err := conn.SetPipelining(true); err != nil {
		return 0, false, err
	}
	for i := range pipelineBatch {
		if err := c.PushBack(ctx, wire.IntValue(int64(i)), wire.None()); err != nil {
			return i, false, err
		}
	}
	answers, err := conn.ReceiveAllPending(ctx)
	if err != nil {
		return pipelineBatch, false, err
	}
	if err := conn.SetPipelining(false); err != nil {
		return pipelineBatch, false, err
	}

	n, err := c.Count(ctx)
	if err != nil {
		return pipelineBatch + 1, false, err
	}
	if err := c.Clear(ctx); err != nil {
		return pipelineBatch + 2, false, err
	}
	return pipelineBatch + 2, len(answers) == pipelineBatch && n == pipelineBatch, nil
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Successes: %d\n", result.Successes)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}
