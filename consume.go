package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"recipecheck/config"
	"recipecheck/pipeline"
	"recipecheck/shared/kafka"
)

func consumeCmd() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Analyse orders from Kafka and publish the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runConsume(cmd.Context(), cfg, fromStart, slog.Default())
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Start a new consumer group at the oldest offset")
	return cmd
}

func runConsume(ctx context.Context, cfg *config.Config, fromStart bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, config.StartupTimeout)
	a, err := newApp(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	handlerCfg := kafka.OrderHandlerConfig{Orders: a.analyzer, Logger: logger}
	if cfg.KafkaResultsTopic != "" {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaResultsTopic})
		if err != nil {
			return err
		}
		defer producer.Close()
		handlerCfg.Results = producer
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOrdersTopic,
		GroupID:      cfg.KafkaGroupID,
		Handler:      kafka.NewOrderHandler(handlerCfg),
		OldestOffset: fromStart,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("Shutting down consumer")
	return nil
}

var _ kafka.OrderSubmitter = (*pipeline.Analyzer)(nil)
