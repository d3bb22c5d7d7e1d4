package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-pipeline/analytics-service/aggregator"
	"task-pipeline/analytics-service/api"
	"task-pipeline/analytics-service/mirror"
	"task-pipeline/broker"
	"task-pipeline/config"
)

func main() {
	flags := config.Flags("analytics-service")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load("analytics-service", 3004, flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.ConfigureLogging(cfg)
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := broker.NewReader(cfg.Stream.Brokers, cfg.Stream.Topic, cfg.Stream.GroupID)
	defer reader.Close()
	agg := aggregator.New(reader, aggregator.Options{
		CommitOffsets: cfg.Stream.CommitOffsets,
		RetryDelay:    cfg.Stream.RetryDelay,
		Logger:        logger,
	})
	go func() {
		if err := agg.Run(ctx); err != nil {
			log.WithError(err).Error("stream aggregator exited")
		}
	}()
	log.WithFields(log.Fields{
		"topic":   cfg.Stream.Topic,
		"group":   cfg.Stream.GroupID,
		"brokers": cfg.Stream.Brokers,
	}).Info("stream consumer started")

	var cluster api.ClusterView
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		m := mirror.New(rc, cfg.InstanceID, cfg.Redis.MirrorTTL, logger)
		go m.Run(ctx, agg.Snapshot)
		cluster = m
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	api.Register(e, agg, cluster, logger)

	go func() {
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
