package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"task-pipeline/broker"
	"task-pipeline/config"
)

func main() {
	flags := config.Flags("broker-init")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load("broker-init", 1, flags)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	config.ConfigureLogging(cfg)
	log.Info("broker init starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := broker.ProvisionQueue(ctx, broker.DialAMQP, cfg.Queue.URL, cfg.Queue.Name, cfg.Queue.ReconnectDelay); err != nil {
		log.Fatalf("provision queue: %v", err)
	}

	for {
		err := broker.EnsureTopic(ctx, cfg.Stream.Brokers, cfg.Stream.Topic, cfg.Stream.Partitions)
		if err == nil {
			break
		}
		log.WithError(err).WithField("topic", cfg.Stream.Topic).Warn("ensure topic failed")
		select {
		case <-ctx.Done():
			log.Fatalf("ensure topic %s: %v", cfg.Stream.Topic, err)
		case <-time.After(cfg.Stream.RetryDelay):
		}
	}
	log.WithFields(log.Fields{
		"queue": cfg.Queue.Name,
		"topic": cfg.Stream.Topic,
	}).Info("broker init complete")
}
