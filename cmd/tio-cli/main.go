package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/pior/tio"
	"github.com/pior/tio/metrics"
)

const version = "0.1.0"

const usage = `tio command line client.

Usage:
    tio-cli [--config=<path>] [--debug] [--metrics=<addr>] [<address>]
    tio-cli -h | --help
    tio-cli --version

The address is host[:port] or tio://host[:port][/container]. A container
named in the url is opened on start.

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    TOML config file.
    --debug            Log at debug level.
    --metrics=<addr>   Serve Prometheus metrics on this address.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "tio-cli:", err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	cfg := defaultConfig()
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if cfg, err = loadConfig(path); err != nil {
			return err
		}
	}
	if debug, _ := opts.Bool("--debug"); debug {
		cfg.LogLevel = zap.DebugLevel
	}
	if addr, _ := opts.String("--metrics"); addr != "" {
		cfg.Metrics = addr
	}

	var initial string
	if address, _ := opts.String("<address>"); address != "" {
		cfg.Address = address
		if u, err := tio.ParseURL(address); err == nil {
			cfg.Address, initial = u.Address(), u.Container
		}
	}

	log, err := cfg.logger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// a single pooled connection: the pool replaces it when it breaks
	pool, err := tio.NewServerPool(cfg.Address, tio.PoolConfig{
		MaxSize: 1,
		Conn: tio.Config{
			DialTimeout: cfg.DialTimeout,
			Logger:      log,
		},
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Metrics != "" {
		srv := &http.Server{Addr: cfg.Metrics, Handler: metrics.Handler(metrics.PoolSource{Pool: pool})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sh := newShell(pool, cfg, os.Stdout, log)
	defer sh.release()

	ctx := context.Background()
	if err := sh.connect(ctx); err != nil {
		return err
	}
	if initial != "" {
		sh.exec(ctx, "open "+initial)
	}

	fmt.Printf("Connected to %s. Type 'help' for available commands.\n", pool.Addr())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		start := time.Now()
		quit := sh.exec(ctx, scanner.Text())
		log.Debug("command done", zap.Duration("took", time.Since(start)))
		if quit {
			fmt.Println("Goodbye!")
			return nil
		}
	}

	return scanner.Err()
}
