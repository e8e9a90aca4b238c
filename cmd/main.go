package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/cdc-search-bridge/internal/bridge"
	"github.com/weiawesome/cdc-search-bridge/internal/config"
	"github.com/weiawesome/cdc-search-bridge/internal/consumer"
	"github.com/weiawesome/cdc-search-bridge/internal/handler"
	"github.com/weiawesome/cdc-search-bridge/internal/mapper"
	"github.com/weiawesome/cdc-search-bridge/internal/repository"
	pkglog "github.com/weiawesome/cdc-search-bridge/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "cdc-search-bridge",
	})
	logger := pkglog.L()

	// Initialize Elasticsearch client
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Elasticsearch.Addresses,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create elasticsearch client")
	}

	writer := repository.NewESIndexWriter(esClient, repository.Config{
		Timeout:      cfg.Bridge.WriteTimeout,
		MaxRetries:   cfg.Bridge.WriteMaxRetries,
		RetryBackoff: cfg.Bridge.WriteRetryBackoff,
	})

	// Initialize Kafka consumer (subscription is established here; a
	// broker that cannot be reached surfaces as a fatal startup error)
	cons, err := consumer.NewKafkaConsumer(cfg.Kafka)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	logger.Info().
		Str("brokers", cfg.Kafka.Brokers).
		Strs("topics", cfg.Kafka.Topics).
		Str(pkglog.FieldGroupID, cfg.Kafka.GroupID).
		Msg("kafka consumer created")

	namer := mapper.DefaultIndexNamer
	if prefix := cfg.Bridge.IndexPrefix; prefix != "" {
		namer = func(schema, table string) string {
			return prefix + "-" + mapper.DefaultIndexNamer(schema, table)
		}
	}

	br := bridge.New(cons, writer, mapper.New(namer), cfg.Bridge, cfg.Elasticsearch.Mappings)

	// Setup Gin router for the observability surface
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	handler.NewHandler(br).RegisterRoutes(r)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Shutdown signal cancels the run context; the bridge observes it
	// between polls and drains.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("received shutdown signal")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return br.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if closeErr := cons.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("failed to close kafka consumer")
	}

	if err != nil {
		logger.Error().Err(err).Msg("bridge exited with error")
		os.Exit(1)
	}

	logger.Info().Msg("bridge exited cleanly")
}
