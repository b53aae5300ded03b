package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TimurManjosov/flagship-sdk-backend/internal/api"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/config"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/evaluation"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/logging"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/rpc"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/seed"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/snapshot"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/store"
	"github.com/TimurManjosov/flagship-sdk-backend/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", "json", os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout).With().Str("app_env", cfg.AppEnv).Logger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server")
	}
	logger.Info().Msg("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	telemetry.Init()
	shutdownTracer, err := telemetry.InitTracer(ctx, "flagship-sdk-backend", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	st, err := store.NewStore(ctx, store.Options{
		Type:          cfg.StoreType,
		DSN:           cfg.DatabaseDSN,
		BadgerPath:    cfg.BadgerPath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Logger:        logging.Component(logger, "badger").Level(zerolog.WarnLevel),
	})
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("store", cfg.StoreType).Msg("store ready")

	cache, err := snapshot.NewCache(cfg.CacheSize)
	if err != nil {
		return err
	}
	svc, err := evaluation.NewService(st, evaluation.Options{
		Cache:        cache,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.SeedDir != "" {
		loader := seed.NewLoader(svc, cfg.SeedDir, cfg.Env, logger)
		if _, err := loader.Load(ctx); err != nil {
			// Broken files are reported; the rest of the directory is served.
			logger.Error().Err(err).Str("dir", cfg.SeedDir).Msg("seed load")
		}
		if cfg.SeedWatch {
			g.Go(func() error {
				return loader.Watch(ctx, seed.DefaultDebounce, func(_ seed.Stats, err error) {
					if err != nil {
						logger.Error().Err(err).Msg("seed reload")
					}
				})
			})
		}
	}

	apiServer := api.NewServer(svc, api.Options{
		Env:            cfg.Env,
		AdminAPIKey:    cfg.AdminAPIKey,
		RateLimitPerIP: cfg.RateLimitPerIP,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 3 * time.Second,
		// Event streams end when the base context is cancelled at shutdown.
		BaseContext:  func(net.Listener) context.Context { return ctx },
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	serveHTTP(ctx, g, httpSrv, logger.With().Str("server", "http").Logger())

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}
	serveHTTP(ctx, g, metricsSrv, logger.With().Str("server", "metrics").Logger())

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gs := rpc.NewServer(svc, cfg.Env, logger).NewGRPCServer()
		g.Go(func() error {
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			gracefulStop(gs.GracefulStop, gs.Stop)
			return nil
		})
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, logger zerolog.Logger) {
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ctxShut, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxShut); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
		return nil
	})
}

// gracefulStop waits up to shutdownTimeout for in-flight RPCs, then forces.
func gracefulStop(graceful, force func()) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		force()
		<-done
	}
}
