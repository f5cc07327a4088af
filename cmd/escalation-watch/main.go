// Command escalation-watch tails the human escalation queue and prints each
// deadlocked negotiation for review. Messages are acked once printed, so run
// one watcher per review channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/escalation"
	"github.com/councilproxy/councilproxy/internal/models"
)

var (
	envFile  = flag.String("env-file", "", "Load environment variables from this file instead of .env")
	prefetch = flag.Int("prefetch", 8, "Unacked escalations in flight per watcher")
	asJSON   = flag.Bool("json", false, "Log escalations as JSON instead of text")
)

func main() {
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logrus.WithError(err).Fatal("Failed to load env file")
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *asJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	consumer, err := escalation.NewConsumer(cfg.RabbitMQ, *prefetch, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to the escalation queue")
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("queue", cfg.RabbitMQ.Queue).Info("Watching for escalations")
	if err := consumer.Run(ctx, printEscalation(log)); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("Escalation consumer stopped")
	}
	log.Info("Watcher stopped")
}

func printEscalation(log *logrus.Logger) escalation.Handler {
	return func(_ context.Context, esc models.Escalation) error {
		progression := make([]string, len(esc.SimilarityProgression))
		for i, v := range esc.SimilarityProgression {
			progression[i] = fmt.Sprintf("%.3f", v)
		}
		log.WithFields(logrus.Fields{
			"request_id":  esc.RequestID,
			"reason":      esc.Reason,
			"round":       esc.Round,
			"progression": strings.Join(progression, " -> "),
			"channels":    strings.Join(esc.Channels, ","),
			"at":          esc.Timestamp,
		}).Warn(esc.Query)
		return nil
	}
}
