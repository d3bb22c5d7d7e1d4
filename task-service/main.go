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
	log "github.com/sirupsen/logrus"

	"task-pipeline/broker"
	"task-pipeline/config"
	"task-pipeline/publisher"
	"task-pipeline/task-service/api"
	"task-pipeline/task-service/storage"
)

func main() {
	flags := config.Flags("task-service")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load("task-service", 3002, flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.ConfigureLogging(cfg)
	logger := log.StandardLogger()

	queueSink := publisher.NewQueueSink(broker.DialAMQP, cfg.Queue.URL, cfg.Queue.Name, logger)
	streamSink := publisher.NewStreamSink(broker.NewWriter(cfg.Stream.Brokers, cfg.Stream.Topic), cfg.Stream.Topic)
	pub := publisher.NewDual(logger, publisher.Options{
		Workers:        cfg.Publish.Workers,
		Buffer:         cfg.Publish.Buffer,
		Timeout:        cfg.Publish.Timeout,
		HandoffTimeout: cfg.Publish.HandoffTimeout,
	}, queueSink, streamSink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "X-User-Id"},
		ExposeHeaders: []string{"X-Task-Instance"},
	}))
	api.Register(e, storage.NewMemory(), pub, cfg.InstanceID, logger)

	go func() {
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()
	log.WithField("instance", cfg.InstanceID).Info("task service started")

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	pub.Close()
}
