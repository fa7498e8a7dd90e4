package tio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/pior/tio/internal/coarsetime"
)

// PoolConfig holds configuration for a server connection pool.
type PoolConfig struct {
	// MaxSize is the maximum number of connections in the pool.
	// Zero means 4.
	MaxSize int32

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked and pinged.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Conn configures each pooled connection. Pipelining is always off on
	// acquired connections.
	Conn Config

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *CircuitBreaker

	// for testing purposes only
	constructor func(ctx context.Context) (*Conn, error)
}

const (
	defaultPoolSize    = 4
	healthCheckTimeout = 2 * time.Second
)

// ServerPool hands out whole connections to one server under exclusive
// ownership, so several goroutines can work in parallel while each Conn
// keeps a single owner.
type ServerPool struct {
	addr           string
	cfg            PoolConfig
	pool           *puddle.Pool[*Conn]
	circuitBreaker *CircuitBreaker
	stats          *statsCollector
	log            *zap.Logger

	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64

	stopHealthCheck chan struct{}
	closeOnce       sync.Once
}

// NewServerPool creates a pool for addr. Connections are dialed lazily.
func NewServerPool(addr string, cfg PoolConfig) (*ServerPool, error) {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultPoolSize
	}

	connCfg := cfg.Conn.withDefaults()
	connCfg.Pipelining = false

	sp := &ServerPool{
		addr:            addr,
		cfg:             cfg,
		stats:           connCfg.stats,
		log:             connCfg.Logger.With(zap.String("addr", addr)),
		stopHealthCheck: make(chan struct{}),
	}

	constructor := cfg.constructor
	if constructor == nil {
		constructor = func(ctx context.Context) (*Conn, error) {
			return Dial(ctx, addr, connCfg)
		}
	}

	sp.pool, err = puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: func(ctx context.Context) (*Conn, error) {
			conn, err := constructor(ctx)
			if err == nil {
				sp.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Conn) {
			sp.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: cfg.MaxSize,
	})
	if err != nil {
		return nil, err
	}

	if cfg.NewCircuitBreaker != nil {
		sp.circuitBreaker = cfg.NewCircuitBreaker(addr)
	}

	if cfg.HealthCheckInterval > 0 {
		go sp.healthCheckLoop()
	}

	return sp, nil
}

func (sp *ServerPool) Addr() string { return sp.addr }

// PooledConn is a connection acquired from a ServerPool.
type PooledConn struct {
	res  *puddle.Resource[*Conn]
	done bool
}

// Conn returns the acquired connection. It must not be used after Release.
func (pc *PooledConn) Conn() *Conn { return pc.res.Value() }

// Release returns the connection to the pool. Connections that are broken
// or still carry per-caller state (pending answers, subscriptions, waiters,
// queued events) are destroyed instead.
func (pc *PooledConn) Release() {
	if pc.done {
		return
	}
	pc.done = true

	if !pc.res.Value().reusable() {
		pc.res.Destroy()
		return
	}
	pc.res.Release()
}

// Destroy closes the connection and removes it from the pool.
func (pc *PooledConn) Destroy() {
	if pc.done {
		return
	}
	pc.done = true
	pc.res.Destroy()
}

// Acquire takes a connection, dialing a new one when none is idle.
func (sp *ServerPool) Acquire(ctx context.Context) (*PooledConn, error) {
	res, err := sp.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	return &PooledConn{res: res}, nil
}

// Exec runs fn with an exclusively owned connection. When a circuit breaker
// is configured, the call goes through it.
func (sp *ServerPool) Exec(ctx context.Context, fn func(*Conn) error) error {
	if sp.circuitBreaker == nil {
		return sp.execDirect(ctx, fn)
	}

	_, err := sp.circuitBreaker.Execute(func() (struct{}, error) {
		return struct{}{}, sp.execDirect(ctx, fn)
	})
	return err
}

func (sp *ServerPool) execDirect(ctx context.Context, fn func(*Conn) error) error {
	pc, err := sp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pc.Release()

	return fn(pc.Conn())
}

// Close stops health checks and closes every connection.
// It waits for acquired connections to be released.
func (sp *ServerPool) Close() {
	sp.closeOnce.Do(func() {
		close(sp.stopHealthCheck)
		sp.pool.Close()
	})
}

// ServerPoolStats contains stats for a single server pool
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	ConnStats            ConnStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// Stats returns a snapshot of the pool, its connections and its breaker.
func (sp *ServerPool) Stats() ServerPoolStats {
	s := sp.pool.Stat()

	stats := ServerPoolStats{
		Addr: sp.addr,
		PoolStats: PoolStats{
			TotalConns:        s.TotalResources(),
			IdleConns:         s.IdleResources(),
			ActiveConns:       s.AcquiredResources(),
			AcquireCount:      uint64(s.AcquireCount()),
			AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
			CreatedConns:      sp.createdConns.Load(),
			DestroyedConns:    sp.destroyedConns.Load(),
			AcquireErrors:     uint64(s.CanceledAcquireCount()),
			AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
		},
		ConnStats: sp.stats.snapshot(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (sp *ServerPool) healthCheckLoop() {
	ticker := time.NewTicker(sp.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.stopHealthCheck:
			return
		case <-ticker.C:
			sp.checkConnections()
		}
	}
}

// checkConnections destroys idle connections that are stale or fail a ping.
// Connections used within the last interval are not pinged.
func (sp *ServerPool) checkConnections() {
	now := time.Now()

	for _, res := range sp.pool.AcquireAllIdle() {
		if sp.cfg.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > sp.cfg.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if sp.cfg.MaxConnIdleTime > 0 && res.IdleDuration() > sp.cfg.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		conn := res.Value()
		if coarsetime.Since(conn.LastUsed()) < sp.cfg.HealthCheckInterval {
			res.ReleaseUnused()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		_, err := conn.Ping(ctx)
		cancel()
		if err != nil {
			sp.log.Debug("health check failed", zap.Error(err))
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}
