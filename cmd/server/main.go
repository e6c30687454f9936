package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrttl/discovery"
	"github.com/ryandielhenn/zephyrttl/internal/config"
	"github.com/ryandielhenn/zephyrttl/internal/logging"
	"github.com/ryandielhenn/zephyrttl/internal/telemetry"
	"github.com/ryandielhenn/zephyrttl/pkg/node"
	"github.com/ryandielhenn/zephyrttl/pkg/ttl"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var (
	nodeIDFlag = &cli.StringFlag{
		Name:    "node.id",
		Usage:   "Node ID announced in etcd (etcd backend only)",
		EnvVars: []string{"SELF_ID"},
	}
	advertiseFlag = &cli.StringFlag{
		Name:    "node.addr",
		Usage:   "Address announced in etcd; defaults to the listen address",
		EnvVars: []string{"SELF_ADDR"},
	}
)

func main() {
	app := &cli.App{
		Name:    "zephyrttl",
		Usage:   "key-value node with expiring entries",
		Version: fmt.Sprintf("%s (%s)", version, gitSHA),
		Flags:   append(append([]cli.Flag(nil), config.Flags...), nodeIDFlag, advertiseFlag),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 1. Open the stores
	logger.Info("[Boot] opening backend", zap.String("backend", cfg.Backend))
	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn("[Shutdown] closing backend", zap.Error(err))
		}
	}()

	// 2. Wrap them with expiry
	stats := node.NewSweepStats()
	opts := append(cfg.TTLOptions(),
		ttl.WithLogger(logger),
		ttl.WithRegisterer(telemetry.Registry),
		ttl.WithSweepHook(stats.Observe),
	)
	if be.index != nil {
		opts = append(opts, ttl.WithSubStore(be.index))
	}
	db, err := ttl.New(be.data, opts...)
	if err != nil {
		be.data.Close()
		return err
	}
	defer db.Close()
	telemetry.SetBuildInfo(version, gitSHA, cfg.Backend)

	// 3. Wire up HTTP node endpoints
	n := node.NewNode(db, cfg.ListenAddr,
		node.WithPrefix(cfg.MethodPrefix),
		node.WithBackend(cfg.Backend),
		node.WithLogger(logger),
		node.WithSweepStats(stats),
	)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Announce this node when etcd is available
	if id := c.String(nodeIDFlag.Name); id != "" && be.etcd != nil {
		addr := c.String(advertiseFlag.Name)
		if addr == "" {
			addr = n.Addr()
		}
		logger.Info("[Boot] registering with etcd", zap.String("id", id), zap.String("addr", addr))
		reg, err := discovery.RegisterNode(c.Context, be.etcd, id, addr, 10)
		if err != nil {
			return err
		}
		defer reg.Close()
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("ZephyrTTL node listening", zap.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("[Shutdown] signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[Shutdown] http server", zap.Error(err))
	}
	if err := db.Stop(shutdownCtx); err != nil {
		logger.Warn("[Shutdown] sweeper", zap.Error(err))
	}
	return nil
}
