package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-fetchcache/pkg/cache"
	"github.com/illmade-knight/go-fetchcache/pkg/config"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/fetchcache"
	"github.com/illmade-knight/go-fetchcache/pkg/invalidation"
	"github.com/illmade-knight/go-fetchcache/pkg/logging"
	"github.com/illmade-knight/go-fetchcache/pkg/metrics"
	"github.com/illmade-knight/go-fetchcache/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// Results are passed through untouched, so any JSON the remote returns can
// be cached and served.
type result = json.RawMessage

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	store, err := cache.NewStore[result](ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cache store")
		}
	}()

	source, err := fetch.NewHTTPFetcher[result](cfg.Remote, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create remote fetcher: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheus(reg)
	if err != nil {
		return err
	}
	opts := []fetchcache.Option{fetchcache.WithMetrics(recorder)}

	if cfg.Invalidation.Enabled {
		shutdownInvalidation, inv, err := startInvalidation(ctx, cfg.Invalidation, store, logger)
		if err != nil {
			return err
		}
		defer shutdownInvalidation()
		opts = append(opts, fetchcache.WithInvalidator(inv))
	}

	cf, err := fetchcache.New[result](cfg.Caching, source, store, logging.NewErrorLogger(logger), opts...)
	if err != nil {
		return err
	}

	trusted, err := microservice.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	fs := microservice.NewFetchServer[result](cfg.HTTPPort, cf, logger, microservice.WithTrustedProxies(trusted...))
	fs.EnableMetrics(reg)

	var server microservice.Service = fs
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("port", server.GetHTTPPort()).
		Str("backend", cfg.Cache.Backend).
		Dur("default_ttl", cf.CacheDuration()).
		Str("remote", cfg.Remote.Host).
		Msg("fetchcache service started")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// startInvalidation connects to Pub/Sub and starts listening for keys cleared
// by other instances. The returned func stops the listener and publisher.
func startInvalidation(ctx context.Context, cfg invalidation.Config, store cache.Store[result], logger zerolog.Logger) (func(), *invalidation.PubsubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	instanceID := invalidation.NewInstanceID()
	publisher, err := invalidation.NewPubsubPublisher(ctx, client, cfg.TopicID, instanceID, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	listener, err := invalidation.NewListener(ctx, client, cfg.TopicID, cfg.SubscriptionPrefix, instanceID, store, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	listener.Start(ctx)

	shutdown := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := listener.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop invalidation listener")
		}
		if err := publisher.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop invalidation publisher")
		}
		_ = client.Close()
	}
	return shutdown, publisher, nil
}
