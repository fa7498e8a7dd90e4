package tio

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/pior/tio/wire"
)

// DefaultPort is the port tio servers listen on.
const DefaultPort = 2605

// Config holds connection settings. The zero value is usable.
type Config struct {
	// DialTimeout bounds connection establishment when the dial context has
	// no deadline. Zero means no limit beyond the context.
	DialTimeout time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Logger receives connection lifecycle and protocol anomaly logs.
	// If nil, logging is disabled.
	Logger *zap.Logger

	// ReadBufferSize is the initial size of the receive buffer.
	// Zero means wire.DefaultReadBufferSize.
	ReadBufferSize int

	// Pipelining starts the connection in pipelining mode.
	Pipelining bool

	// stats is shared by all connections of a pool
	stats *statsCollector
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = wire.DefaultReadBufferSize
	}
	if c.stats == nil {
		c.stats = newStatsCollector()
	}
	return c
}
