package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"duet/server/internal/api"
	"duet/server/internal/bus"
	"duet/server/internal/config"
	"duet/server/internal/events"
	"duet/server/internal/gateway"
	"duet/server/internal/health"
	"duet/server/internal/hub"
	"duet/server/internal/logging"
	"duet/server/internal/notify"
	"duet/server/internal/quality"
	"duet/server/internal/recording"
	"duet/server/internal/session"
	"duet/server/internal/signaling"
	"duet/server/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 5 * time.Second
	startupPing     = 3 * time.Second
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewApplicationLogger(
		logging.Name("duet-server"),
		logging.Path(cfg.Server.LogPath),
		logging.Level(cfg.Server.LogLevel),
	)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	var rdb redis.UniversalClient
	if cfg.Store.Driver == "redis" || cfg.Bus.Driver == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		logger.Warnw("using in-memory room store; state is not shared between instances")
		st = store.NewMemory()
	default:
		pctx, cancel := context.WithTimeout(ctx, startupPing)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			return err
		}
		rs := store.NewRedis(rdb, cfg.Redis.KeyPrefix)
		if err := rs.CheckTopology(pctx); err != nil {
			return err
		}
		logger.Infow("using redis room store", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.KeyPrefix)
		st = rs
	}

	b := newBus(ctx, cfg, rdb, logger)
	defer b.Close()

	h := hub.New(cfg.Server.InstanceID, b, logger)
	if err := h.Run(ctx); err != nil {
		return err
	}

	sessions := session.NewManager(st, h, logger, session.Options{
		MaxParticipants: cfg.Room.MaxParticipants,
		GhostSettle:     cfg.Room.GhostSettle,
	})
	machine := recording.NewMachine(st, h, logger)
	journal := events.NewJournal(events.DefaultLimit)
	gw := gateway.NewServer(h, sessions, machine, signaling.NewRelay(h), quality.NewAggregator(), journal, logger,
		gateway.Options{TicketSecret: cfg.Auth.TicketSecret, TicketSkewSecs: cfg.Auth.TicketSkewSecs})

	checks := []health.Check{{Name: "store", Target: st}, {Name: "bus", Target: b}}
	handlers := api.NewHandlers(cfg, st, sessions, journal, checks, gw.HandleWS, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           logMiddleware(logger, api.NewRouter(handlers)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("server starting", "addr", srv.Addr, "instance", cfg.Server.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Server.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		hs := grpchealth.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		g.Go(func() error {
			health.Watch(gctx, hs, healthInterval, logger, checks...)
			return nil
		})
		g.Go(func() error {
			logger.Infow("grpc health listening", "addr", lis.Addr().String())
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if cfg.Queue.ResultsURL != "" {
		client, err := notify.NewSQSClient(cfg.Queue.Region)
		if err != nil {
			return err
		}
		consumer := notify.NewSQSConsumer(client, cfg.Queue.ResultsURL, cfg.Queue.WaitSeconds, notify.NewRelay(h, logger), logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutdown signal received; stopping server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// newBus prefers Redis pub/sub. When Redis is unreachable at startup the
// instance degrades to a local bus and only reaches its own connections.
func newBus(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, logger logging.Logger) bus.Bus {
	if cfg.Bus.Driver == "local" {
		return bus.NewLocal()
	}
	pctx, cancel := context.WithTimeout(ctx, startupPing)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		logger.Warnw("redis bus unavailable; cross-instance fan-out disabled", "error", err)
		return bus.NewLocal()
	}
	return bus.NewRedis(rdb, cfg.Redis.KeyPrefix, logger)
}

func logMiddleware(logger logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugw("http request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}
