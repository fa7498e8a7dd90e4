package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/pior/tio"
)

const usage = `tio benchmark tool.

Usage:
    tio-bench [--operation=<op>] [--duration=<d>] [--concurrency=<n>] [--servers=<list>] [--debug]
    tio-bench -h | --help

Operations: queue, map, query, pipeline, all.

Options:
    -h --help            Show this screen.
    --operation=<op>     Operation to run [default: all].
    --duration=<d>       Duration of each benchmark [default: 5s].
    --concurrency=<n>    Number of concurrent workers [default: 1].
    --servers=<list>     Comma-separated server addresses [default: localhost:2605].
    --debug              Log at debug level.`

type benchOptions struct {
	operation   Operation
	duration    time.Duration
	concurrency int
	servers     []string
	debug       bool
}

func parseOptions(parser *docopt.Parser, argv []string) (benchOptions, error) {
	opts, err := parser.ParseArgs(usage, argv, "")
	if err != nil {
		return benchOptions{}, err
	}

	var o benchOptions
	op, _ := opts.String("--operation")
	o.operation = Operation(op)
	if _, ok := benchmarks[o.operation]; !ok && o.operation != All {
		return benchOptions{}, fmt.Errorf("unknown operation %q", op)
	}

	d, _ := opts.String("--duration")
	if o.duration, err = time.ParseDuration(d); err != nil {
		return benchOptions{}, fmt.Errorf("invalid duration: %w", err)
	}

	n, _ := opts.String("--concurrency")
	if o.concurrency, err = strconv.Atoi(n); err != nil || o.concurrency < 1 {
		return benchOptions{}, fmt.Errorf("invalid concurrency %q", n)
	}

	servers, _ := opts.String("--servers")
	o.servers = strings.Split(servers, ",")
	o.debug, _ = opts.Bool("--debug")
	return o, nil
}

func main() {
	o, err := parseOptions(docopt.DefaultParser, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("tio Benchmark Tool\n")
	fmt.Printf("==================\n")
	fmt.Printf("Operation: %s\n", o.operation)
	fmt.Printf("Duration: %v\n", o.duration)
	fmt.Printf("Concurrency: %d\n", o.concurrency)
	fmt.Printf("Servers: %s\n", strings.Join(o.servers, ", "))
	fmt.Println()

	log := zap.NewNop()
	if o.debug {
		log, _ = zap.NewDevelopment()
	}

	cluster, err := tio.NewCluster(o.servers, tio.ClusterConfig{
		Pool: tio.PoolConfig{
			MaxSize:             int32(o.concurrency),
			HealthCheckInterval: 10 * time.Second,
			Conn:                tio.Config{DialTimeout: 5 * time.Second, Logger: log},
			NewCircuitBreaker:   tio.NewCircuitBreakerConfig(3, time.Minute, 5*time.Second),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create cluster: %v\n", err)
		os.Exit(1)
	}
	defer cluster.Close()

	fmt.Print("Testing connection...")
	ctx := context.Background()
	err = cluster.Exec(ctx, "bench", func(conn *tio.Conn) error {
		_, err := conn.Ping(ctx)
		return err
	})
	if err != nil {
		fmt.Printf(" failed: %v\n", err)
		fmt.Printf("Make sure a tio server is running on %s\n", strings.Join(o.servers, ", "))
		return
	}
	fmt.Println(" success!")
	fmt.Println()

	if o.operation == All {
		for _, op := range allOperations {
			fmt.Printf("\n--- Running %s benchmark ---\n", op)
			printResult(run(ctx, cluster, op, o.duration, o.concurrency))
		}
	} else {
		printResult(run(ctx, cluster, o.operation, o.duration, o.concurrency))
	}

	for _, s := range cluster.Stats() {
		fmt.Printf("Server %s: %d connections created, circuit %s\n", s.Addr, s.PoolStats.CreatedConns, s.CircuitBreakerState)
	}
}
