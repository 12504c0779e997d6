package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bidfabric/bidfabric/internal/runtime"
)

var serveBuiltins bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bidfabric daemon",
	Long: `Starts the RFP processing core: the messaging fabric, the workflow
engine with persisted-state resumption, and the HTTP API. Stops cleanly on
SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveBuiltins, "builtin-agents", true,
		"start the builtin RFP handler agents")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	core, err := runtime.New(cfg, runtime.Options{BuiltinAgents: serveBuiltins})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- core.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = core.Shutdown(shutdownCtx)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return core.Shutdown(shutdownCtx)
}
