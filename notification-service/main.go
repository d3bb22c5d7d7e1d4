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

	"task-pipeline/config"
	"task-pipeline/notification-service/api"
	"task-pipeline/notification-service/consumer"
	"task-pipeline/notification-service/fanout"
	"task-pipeline/notification-service/subscription"
)

func main() {
	flags := config.Flags("notification-service")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load("notification-service", 3003, flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.ConfigureLogging(cfg)
	logger := log.StandardLogger()

	auth, err := api.NewAuth(cfg.Auth)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := fanout.NewRegistry(logger)
	router := fanout.NewRouter(registry, logger)

	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		relay := subscription.NewRelay(rc, cfg.Redis.Channel, cfg.InstanceID, logger)
		router.SetOutlet(relay)
		go relay.Run(ctx, router)
		log.WithField("channel", cfg.Redis.Channel).Info("cross-instance relay enabled")
	}

	queueConsumer := consumer.New(consumer.Options{
		URL:            cfg.Queue.URL,
		Queue:          cfg.Queue.Name,
		Prefetch:       cfg.Queue.Prefetch,
		ReconnectDelay: cfg.Queue.ReconnectDelay,
		Tag:            "notification-service-" + cfg.InstanceID,
		Logger:         logger,
	}, router)
	go queueConsumer.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-User-Id"},
	}))

	release := api.Register(e, api.Deps{
		Registry:   registry,
		Notifier:   router,
		Auth:       auth,
		Push:       cfg.Push,
		QueueState: func() string { return queueConsumer.State().String() },
		Logger:     logger,
	})
	defer release()

	go func() {
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	registry.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
