package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	"github.com/ariefcatur/go-shop-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-shop-orders/internal/kafka"
	"github.com/ariefcatur/go-shop-orders/internal/logging"
	"github.com/ariefcatur/go-shop-orders/internal/metrics"
	"github.com/ariefcatur/go-shop-orders/internal/projector"
	"github.com/ariefcatur/go-shop-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName+"-projector", cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("projector exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := projector.New(
		redisx.NewDeduper(rdb, "projector"),
		redisx.NewStatusCache(rdb),
		metrics.NewProjector(reg),
		log,
	)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ProjectorGroup, cfg.OrderEventsTopic, cfg.ProjectorWorkers, log)

	// health and metrics only
	srv := &http.Server{
		Addr:              cfg.ProjectorAddr,
		Handler:           httpx.NewRouter(log, nil, reg, 5*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("projector consuming",
			zap.String("group", cfg.ProjectorGroup),
			zap.String("topic", cfg.OrderEventsTopic),
			zap.Int("workers", cfg.ProjectorWorkers),
		)
		return cons.Start(gctx, p.Handle)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
