package tio

import (
	"sync/atomic"
)

// ConnStats contains connection counters.
// Connections created by a Pool share one set of counters.
//
// For Prometheus integration, see the metrics package.
type ConnStats struct {
	CommandsSent     uint64 // Commands written to the socket
	AnswersReceived  uint64 // Answers read, query results counted once
	ServerErrors     uint64 // Answers carrying a server error
	EventsReceived   uint64 // Event frames read
	EventsDispatched uint64 // Events handed to sinks and waiters
	QueryItems       uint64 // Query result records read
	BrokenConns      uint64 // Connections closed by an I/O or protocol error
}

// statsCollector is updated by the owning goroutine and read concurrently
// by metrics scrapes.
type statsCollector struct {
	commands   atomic.Uint64
	answers    atomic.Uint64
	serverErrs atomic.Uint64
	events     atomic.Uint64
	dispatched atomic.Uint64
	queryItems atomic.Uint64
	broken     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

func (c *statsCollector) recordCommand()         { c.commands.Add(1) }
func (c *statsCollector) recordAnswer()          { c.answers.Add(1) }
func (c *statsCollector) recordServerError()     { c.serverErrs.Add(1) }
func (c *statsCollector) recordEvent()           { c.events.Add(1) }
func (c *statsCollector) recordDispatched(n int) { c.dispatched.Add(uint64(n)) }
func (c *statsCollector) recordQueryItem()       { c.queryItems.Add(1) }
func (c *statsCollector) recordBroken()          { c.broken.Add(1) }

func (c *statsCollector) snapshot() ConnStats {
	return ConnStats{
		CommandsSent:     c.commands.Load(),
		AnswersReceived:  c.answers.Load(),
		ServerErrors:     c.serverErrs.Load(),
		EventsReceived:   c.events.Load(),
		EventsDispatched: c.dispatched.Load(),
		QueryItems:       c.queryItems.Load(),
		BrokenConns:      c.broken.Load(),
	}
}

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
}
