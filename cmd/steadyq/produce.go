package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/steadyq"
	"github.com/glimte/steadyq/queue"
	"github.com/glimte/steadyq/transports/rabbitmq"
)

func newProduceCmd(cfg *config, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send a job to the queue at a fixed interval",
		Long: `Sends --count jobs, one every --interval. While the broker is unreachable
each send waits up to --max-retries times --publish-timeout for the link to
come back before reporting a failure and moving on to the next job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ValidateProduce(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return produce(cmd.Context(), *cfg, logger)
		},
	}
	cfg.bindShared(cmd)
	cfg.bindProduce(cmd)

	return cmd
}

func produce(ctx context.Context, cfg config, logger *slog.Logger) error {
	link, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	emitter, err := queue.NewEmitter[job](ctx, link, logger, cfg.Queue)
	if err != nil {
		return fmt.Errorf("creating emitter: %w", err)
	}
	defer emitter.Close()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for seq := 0; seq < cfg.Count; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := emitter.Emit(ctx, job{Name: cfg.Name, Seq: seq},
			queue.WithTimeout(cfg.PublishTimeout),
			queue.WithMaxRetries(cfg.MaxRetries),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to send job", "queue", cfg.Queue, "seq", seq, "error", err)
			continue
		}
		logger.Info("job sent", "queue", cfg.Queue, "seq", seq)
	}

	return nil
}

// dial connects to the broker, giving up after cfg.ConnectTimeout
func dial(ctx context.Context, cfg config, logger *slog.Logger) (*rabbitmq.Link, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	link, err := steadyq.NewConnector(logger).Connect(ctx, cfg.URL,
		rabbitmq.WithLinkLogger(logger),
		rabbitmq.WithConnectionName("steadyq-"+cfg.Queue),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return link, nil
}
