package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder-dev/mnemo/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serve the engine over HTTP+JSON. The background indexer drains
pending events while the server runs, so restarts pick up where
ingestion left off.

Examples:
  mnemo serve
  mnemo serve --addr :9000`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: config listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if addr == "" {
		addr = ":8480"
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.Index().Run(ctx)

	srv := server.New(engine, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr)
	}()

	fmt.Printf("mnemo API listening on %s\n", addr)

	select {
	case <-ctx.Done():
		fmt.Println("\nshutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
