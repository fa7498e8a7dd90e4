package tio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/tio/internal/tiotest"
	"github.com/pior/tio/wire"
)

func newTestPool(t *testing.T, addr string, cfg PoolConfig) *ServerPool {
	t.Helper()
	if cfg.Conn.Logger == nil {
		cfg.Conn = testConfig(t)
	}
	sp, err := NewServerPool(addr, cfg)
	require.NoError(t, err)
	t.Cleanup(sp.Close)
	return sp
}

func TestServerPool_ExclusiveAcquire(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{MaxSize: 2})
	ctx := context.Background()

	pc1, err := sp.Acquire(ctx)
	require.NoError(t, err)
	pc2, err := sp.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, pc1.Conn(), pc2.Conn())

	stats := sp.Stats()
	assert.Equal(t, int32(2), stats.PoolStats.TotalConns)
	assert.Equal(t, int32(2), stats.PoolStats.ActiveConns)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = sp.Acquire(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the pool is exhausted")

	pc1.Release()
	pc1.Release() // no-op

	pc3, err := sp.Acquire(ctx)
	require.NoError(t, err)
	pc3.Release()
	pc2.Release()

	stats = sp.Stats()
	assert.Equal(t, uint64(2), stats.PoolStats.CreatedConns)
	assert.Equal(t, int32(2), stats.PoolStats.IdleConns)
	assert.Equal(t, srv.Addr(), stats.Addr)
}

func TestServerPool_ReusesCleanConnections(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{MaxSize: 1})
	ctx := context.Background()

	var first *Conn
	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		first = conn
		c, err := conn.Create(ctx, containerName(t), "volatile_list")
		if err != nil {
			return err
		}
		if err := c.Append(ctx, 1); err != nil {
			return err
		}
		return c.Close(ctx)
	}))

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		assert.Same(t, first, conn)
		_, err := conn.Ping(ctx)
		return err
	}))

	stats := sp.Stats()
	assert.Equal(t, uint64(1), stats.PoolStats.CreatedConns)
	assert.Zero(t, stats.PoolStats.DestroyedConns)
	assert.Equal(t, uint64(4), stats.ConnStats.CommandsSent, "create, push_back, close and ping")
}

func TestServerPool_DestroysStatefulConnections(t *testing.T) {
	srv := tiotest.NewServer(t)
	ctx := context.Background()

	tests := map[string]func(t *testing.T, conn *Conn){
		"subscription": func(t *testing.T, conn *Conn) {
			c := create(t, conn, "volatile_list")
			require.NoError(t, c.Subscribe(ctx, func(*Container, Event) {}))
		},
		"waiter": func(t *testing.T, conn *Conn) {
			c := create(t, conn, "volatile_list")
			require.NoError(t, c.WaitAndPopNext(ctx, func(*Container, Event, error) {}))
		},
		"pending answers": func(t *testing.T, conn *Conn) {
			require.NoError(t, conn.SetPipelining(true))
			c, err := conn.Create(ctx, containerName(t), "volatile_list")
			require.NoError(t, err)
			require.NoError(t, c.Append(ctx, 1))
		},
		"group": func(t *testing.T, conn *Conn) {
			require.NoError(t, conn.GroupSubscribe(ctx, containerName(t), func(*Container, Event) {}, ""))
		},
	}

	for name, dirty := range tests {
		t.Run(name, func(t *testing.T) {
			sp := newTestPool(t, srv.Addr(), PoolConfig{MaxSize: 1})

			pc, err := sp.Acquire(ctx)
			require.NoError(t, err)
			dirty(t, pc.Conn())
			pc.Release()

			assert.Eventually(t, func() bool {
				return sp.Stats().PoolStats.DestroyedConns == 1
			}, time.Second, 5*time.Millisecond)

			pc, err = sp.Acquire(ctx)
			require.NoError(t, err)
			defer pc.Release()
			_, err = pc.Conn().Ping(ctx)
			require.NoError(t, err, "a fresh connection replaces the destroyed one")
		})
	}
}

func TestServerPool_DestroysBrokenConnections(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{MaxSize: 1})
	ctx := context.Background()

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		_, err := conn.Ping(ctx)
		return err
	}))

	srv.DropConnections()

	err := sp.Exec(ctx, func(conn *Conn) error {
		_, err := conn.Ping(ctx)
		return err
	})
	require.Error(t, err)
	assert.True(t, wire.ShouldCloseConnection(err))

	assert.Eventually(t, func() bool {
		return sp.Stats().PoolStats.DestroyedConns == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		_, err := conn.Ping(ctx)
		return err
	}))
	assert.Equal(t, uint64(2), sp.Stats().PoolStats.CreatedConns)
}

func TestServerPool_ForcesPipeliningOff(t *testing.T) {
	srv := tiotest.NewServer(t)
	cfg := testConfig(t)
	cfg.Pipelining = true
	sp := newTestPool(t, srv.Addr(), PoolConfig{Conn: cfg})

	require.NoError(t, sp.Exec(context.Background(), func(conn *Conn) error {
		assert.False(t, conn.Pipelining())
		return nil
	}))
}

func TestServerPool_Parallel(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{MaxSize: 3})
	ctx := context.Background()
	name := containerName(t)

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		c, err := conn.Create(ctx, name, "volatile_list")
		if err != nil {
			return err
		}
		return c.Close(ctx)
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sp.Exec(ctx, func(conn *Conn) error {
				c, err := conn.Open(ctx, name, "")
				if err != nil {
					return err
				}
				return errors.Join(c.Append(ctx, i), c.Close(ctx))
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, srv.Values(name), 20)
	assert.LessOrEqual(t, sp.Stats().PoolStats.CreatedConns, uint64(3))
}

func TestServerPool_Closed(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{})

	sp.Close()
	sp.Close()

	_, err := sp.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestServerPool_DialError(t *testing.T) {
	dialErr := &wire.ConnectionError{Op: "dial", Err: errors.New("refused")}
	sp := newTestPool(t, "localhost", PoolConfig{
		constructor: func(context.Context) (*Conn, error) { return nil, dialErr },
	})
	assert.Equal(t, "localhost:2605", sp.Addr())

	err := sp.Exec(context.Background(), func(*Conn) error {
		t.Fatal("fn must not run without a connection")
		return nil
	})
	assert.ErrorIs(t, err, dialErr)
	assert.Zero(t, sp.Stats().PoolStats.CreatedConns)
}

func TestServerPool_HealthCheck(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{HealthCheckInterval: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		_, err := conn.Ping(ctx)
		return err
	}))

	srv.DropConnections()

	assert.Eventually(t, func() bool {
		s := sp.Stats().PoolStats
		return s.DestroyedConns == 1 && s.TotalConns == 0
	}, 2*time.Second, 10*time.Millisecond, "the dead idle connection is found by the ping")
}

func TestServerPool_MaxConnLifetime(t *testing.T) {
	srv := tiotest.NewServer(t)
	sp := newTestPool(t, srv.Addr(), PoolConfig{
		HealthCheckInterval: 10 * time.Millisecond,
		MaxConnLifetime:     time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, sp.Exec(ctx, func(conn *Conn) error {
		_, err := conn.Ping(ctx)
		return err
	}))

	assert.Eventually(t, func() bool {
		return sp.Stats().PoolStats.DestroyedConns == 1
	}, time.Second, 5*time.Millisecond)
}
