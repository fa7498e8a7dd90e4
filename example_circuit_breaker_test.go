package tio_test

import (
	"context"
	"fmt"
	"time"

	"github.com/pior/tio"
)

// Example demonstrating how to use circuit breakers with a cluster
func ExampleNewCircuitBreakerConfig() {
	cluster, err := tio.NewCluster([]string{"tio://10.0.0.1", "tio://10.0.0.2"}, tio.ClusterConfig{
		Pool: tio.PoolConfig{
			MaxSize: 8,
			NewCircuitBreaker: tio.NewCircuitBreakerConfig(
				3,              // maxRequests in half-open state
				time.Minute,    // interval to reset failure counts
				10*time.Second, // timeout before transitioning to half-open
			),
		},
	})
	if err != nil {
		panic(err)
	}
	defer cluster.Close()

	ctx := context.Background()

	_ = cluster.ExecContainer(ctx, "jobs", "volatile_list", func(c *tio.Container) error {
		return c.Append(ctx, "resize")
	})

	for _, serverStats := range cluster.Stats() {
		fmt.Printf("Server: %s, Circuit: %s\n", serverStats.Addr, serverStats.CircuitBreakerState)
	}
}
