package tio

import (
	"context"
	"errors"
	"fmt"
)

// ClusterConfig configures a Cluster.
type ClusterConfig struct {
	// Pool configures the pool of every server.
	Pool PoolConfig

	// SelectServer maps a container name to a server.
	// If nil, DefaultServerSelector is used.
	SelectServer ServerSelector
}

// Cluster spreads containers over several tio servers. Each container name
// always maps to the same server, so every caller opening it talks to the
// same copy.
type Cluster struct {
	pools        []*ServerPool
	selectServer ServerSelector
}

// NewCluster creates one ServerPool per address. Duplicate addresses are
// rejected because they would skew the distribution.
func NewCluster(addrs []string, cfg ClusterConfig) (*Cluster, error) {
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}

	// one collector for the whole cluster keeps per-server pools cheap
	if cfg.Pool.Conn.stats == nil {
		cfg.Pool.Conn.stats = newStatsCollector()
	}

	c := &Cluster{selectServer: cfg.SelectServer}
	if c.selectServer == nil {
		c.selectServer = DefaultServerSelector
	}

	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		sp, err := NewServerPool(addr, cfg.Pool)
		if err != nil {
			c.Close()
			return nil, err
		}
		if seen[sp.Addr()] {
			sp.Close()
			c.Close()
			return nil, fmt.Errorf("tio: duplicate server %s", sp.Addr())
		}
		seen[sp.Addr()] = true
		c.pools = append(c.pools, sp)
	}
	return c, nil
}

// ServerFor returns the pool of the server hosting containerName.
func (c *Cluster) ServerFor(containerName string) (*ServerPool, error) {
	i := c.selectServer(containerName, len(c.pools))
	if i < 0 || i >= len(c.pools) {
		return nil, fmt.Errorf("tio: server selector returned %d for %d servers", i, len(c.pools))
	}
	return c.pools[i], nil
}

// Exec runs fn on a connection to the server hosting containerName.
func (c *Cluster) Exec(ctx context.Context, containerName string, fn func(*Conn) error) error {
	sp, err := c.ServerFor(containerName)
	if err != nil {
		return err
	}
	return sp.Exec(ctx, fn)
}

// ExecContainer opens containerName on its server, creating it with
// createType when createType is not empty, runs fn and closes the handle.
func (c *Cluster) ExecContainer(ctx context.Context, containerName, createType string, fn func(*Container) error) error {
	return c.Exec(ctx, containerName, func(conn *Conn) error {
		var ct *Container
		var err error
		if createType != "" {
			ct, err = conn.Create(ctx, containerName, createType)
		} else {
			ct, err = conn.Open(ctx, containerName, "")
		}
		if err != nil {
			return err
		}

		err = fn(ct)
		return errors.Join(err, ct.Close(ctx))
	})
}

// Stats returns the stats of every server pool.
func (c *Cluster) Stats() []ServerPoolStats {
	stats := make([]ServerPoolStats, 0, len(c.pools))
	for _, sp := range c.pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}

// Close closes every server pool.
func (c *Cluster) Close() {
	for _, sp := range c.pools {
		sp.Close()
	}
}
