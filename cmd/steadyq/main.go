// steadyq sends and receives JSON jobs through RabbitMQ, surviving broker
// restarts and network drops.
//
// Usage:
//
//	steadyq produce [--url URL] [--queue NAME] [--interval 2s] [--count 50]
//	steadyq consume [--url URL] [--queue NAME] [--prefetch 1] [--http-addr :9090]
//
// Every flag has a STEADYQ_* environment variable counterpart, e.g.
// STEADYQ_URL or STEADYQ_PUBLISH_TIMEOUT. LOG_LEVEL and LOG_FORMAT configure
// logging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/steadyq/internal/telemetry"
)

var (
	// Version information, set through ldflags
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// job is the payload exchanged by produce and consume
type job struct {
	Name string `json:"name"`
	Seq  int    `json:"seq"`
}

func main() {
	logger := telemetry.SetupLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:           "steadyq",
		Short:         "Reliable RabbitMQ job producer and consumer",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newProduceCmd(&cfg, logger),
		newConsumeCmd(&cfg, logger),
		newVersionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steadyq %s\n", versionString())
		},
	}
}
