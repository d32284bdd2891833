package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/projgraph/syncd/internal/logging"
	"github.com/projgraph/syncd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "daemon",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon in the foreground.

Projects listed in the project manifest are loaded at startup. One daemon runs per
data directory; a second one exits with an error.

SIGHUP rotates the log file. Ctrl+C or SIGTERM stops the daemon.

Example usage:
  syncd serve
  syncd serve --addr 127.0.0.1:9000
  SYNCD_WATCHER_DEBOUNCE=250ms syncd serve`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		sink := logging.New(cfg.LoggingConfig())
		defer sink.Close()

		srv, err := server.New(cfg.ServerConfig(sink.Logger))
		if err != nil {
			fatalf("Error: %v", err)
		}
		if err := srv.Start(); err != nil {
			fatalf("Error: failed to start daemon: %v", err)
		}

		fmt.Printf("syncd listening on %s\n", srv.Addr())
		fmt.Printf("Commands: ws://%s/command\n", srv.Addr())
		fmt.Printf("Updates:  ws://%s/updates\n", srv.Addr())
		fmt.Printf("Health:   http://%s/health\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case <-hup:
				if err := sink.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to rotate log: %v\n", err)
				}
			}
		}

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			fatalf("Error during shutdown: %v", err)
		}
		fmt.Println("syncd stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
