// Package main is a demonstration projector. It declares a small user
// registration domain, produces a few events onto the configured
// substrate, and projects them into a Redis read model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/northstack/eventflow/aggregate"
	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/eventtype"
	"github.com/northstack/eventflow/internal/config"
	"github.com/northstack/eventflow/pkg/logger"
	"github.com/northstack/eventflow/readmodel"
	"github.com/northstack/eventflow/readmodel/redisstore"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
	"github.com/northstack/eventflow/topic/filelog"
	"github.com/northstack/eventflow/topic/memlog"
	"github.com/northstack/eventflow/topic/natslog"
	"github.com/northstack/eventflow/topic/redpanda"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Eventflow Projector\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Commit:  %s\n", commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseSeverity(cfg.Logging.Level), cfg.Logging.Format, os.Stdout)
	log.Info().
		Str("version", version).
		Str("substrate", cfg.Substrate.Kind).
		Msg("Starting Eventflow projector")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	topics, cleanup, err := makeSubstrate(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize topic substrate")
	}
	defer cleanup()

	if err := run(ctx, cfg, topics, log); err != nil {
		log.Fatal().Err(err).Msg("Projector failed")
	}
	log.Info().Msg("Projector stopped")
}

// makeSubstrate resolves the configured topic factory
func makeSubstrate(cfg *config.Config) (topic.Factory, func(), error) {
	switch cfg.Substrate.Kind {
	case config.SubstrateMemory:
		return memlog.NewFactory(), func() {}, nil
	case config.SubstrateFile:
		factory, err := filelog.NewFactory(cfg.Substrate.Dir)
		if err != nil {
			return nil, nil, err
		}
		return factory, func() {}, nil
	case config.SubstrateRedpanda:
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, nil, err
		}
		factory := redpanda.NewFactory(redpanda.Config{
			Brokers:           cfg.Redpanda.Brokers,
			SessionTimeout:    cfg.Redpanda.SessionTimeout,
			HeartbeatInterval: cfg.Redpanda.HeartbeatInterval,
		}, zl)
		return factory, func() { zl.Sync() }, nil
	case config.SubstrateNATS:
		factory, err := natslog.Connect(cfg.NATS.URL,
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
		)
		if err != nil {
			return nil, nil, err
		}
		return factory, factory.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown substrate kind: %s", cfg.Substrate.Kind)
}

func run(ctx context.Context, cfg *config.Config, topics topic.Factory, log *logger.Logger) error {
	catchUpOpts := catchup.Options{
		CatchUpIdle:         cfg.CatchUp.IdleTimeout,
		ProgressLogInterval: cfg.CatchUp.ProgressLogInterval,
	}

	userRegistered := eventtype.New("UserRegistered", schema.Record(
		schema.Field{Name: "id", Schema: schema.String},
		schema.Field{Name: "email", Schema: schema.String},
		schema.Field{Name: "name", Schema: schema.String},
	))

	users := aggregate.New("User", topics)
	producer, err := users.UseEventType(ctx, userRegistered, eventtype.ProducerOptions{
		Logger:  log,
		CatchUp: catchUpOpts,
	})
	if err != nil {
		return err
	}
	defer producer.Close()

	for _, name := range []string{"ada", "grace", "edsger"} {
		event := map[string]interface{}{
			"id":    uuid.NewString(),
			"email": name + "@example.com",
			"name":  name,
		}
		if err := producer.Produce(ctx, event); err != nil {
			return err
		}
	}
	log.Info().Msg("Produced registration events")

	stores := redisstore.NewFactory(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))

	directory := readmodel.New[*redisstore.Store]("UserDirectory").
		On(userRegistered, func(ctx context.Context, event eventtype.Event, store *redisstore.Store, key []byte) error {
			record := event.Message.(map[string]interface{})
			return store.Set(ctx, record["id"].(string), map[string]interface{}{
				"email": record["email"],
				"name":  record["name"],
			})
		})

	projection, err := aggregate.UseReadModel(ctx, users, directory, stores, readmodel.StartOptions{
		Logger:  log,
		CatchUp: catchUpOpts,
	})
	if err != nil {
		return err
	}
	defer projection.Close()

	log.Info().
		Str("namespace", projection.Namespace()).
		Msg("Read model caught up, tailing live events")

	<-ctx.Done()
	return nil
}
