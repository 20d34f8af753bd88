package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/ids"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/internal/metrics"
	"github.com/omochice/roomchat/internal/room"
	"github.com/omochice/roomchat/internal/server"
	"github.com/omochice/roomchat/internal/store"
)

const shutdownTimeout = 5 * time.Second

// backend is a store holding both accounts and the message log.
type backend interface {
	store.Accounts
	store.MessageLog
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(reg))

	st, history, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rooms := room.New(
		room.WithLogger(logger.Named("room")),
		room.WithMetrics(m),
		room.WithMaxMembers(cfg.RoomCapacity),
		room.WithHistory(history, cfg.HistorySize),
	)

	pool := chat.NewPool(cfg.PoolSize, st, rooms, ids.NewSnowflake(cfg.NodeID),
		chat.LoggerOption(logger.Named("conn")),
		chat.MetricsOption(m),
		chat.IdleTimeoutOption(cfg.IdleTimeout),
		chat.WriteTimeoutOption(cfg.WriteTimeout),
		chat.MaxBodySizeOption(cfg.MaxBodySize),
		chat.MaxQueueOption(cfg.MaxQueue),
	)

	srvOpts := []server.Option{
		server.WithLogger(logger.Named("server")),
		server.WithWebSocketPath(cfg.WebSocketPath),
		server.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
	if cfg.DisableWebSocket {
		srvOpts = append(srvOpts, server.WithoutWebSocket())
	}
	srv := server.New(pool, srvOpts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.ListenAddr)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		hs := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	err = g.Wait()
	pool.FreeAll()
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore builds the chat store and the history source from cfg. With a
// redis address the message log moves to redis streams.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (chat.Store, room.History, func(), error) {
	var (
		base    backend
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		base = pg
	default:
		base = store.NewMemory()
	}

	var log store.MessageLog = base
	if cfg.RedisAddr != "" {
		rl, err := store.OpenRedisLog(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = rl.Close() })
		log = rl
	}

	logger.Info("store opened",
		zap.String("driver", cfg.StoreDriver),
		zap.Bool("redis_log", cfg.RedisAddr != ""))
	return store.Split{Accounts: base, MessageLog: log}, log, closeAll, nil
}

func migrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StoreDriver != config.DriverPostgres {
				return errors.Errorf("migrate needs --store=%s", config.DriverPostgres)
			}
			ctx := cmd.Context()
			pg, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			return pg.Migrate(ctx)
		},
	}
}
