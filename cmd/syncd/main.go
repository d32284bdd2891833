// Command syncd runs the project-graph sync daemon and talks to it.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/projgraph/syncd/internal/client"
	"github.com/projgraph/syncd/internal/config"
	"github.com/projgraph/syncd/internal/resource"
	"github.com/projgraph/syncd/internal/ui"
)

var (
	configPath string
	addrFlag   string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Keep project folders and their resource graphs in sync",
	Long: `syncd watches project folders and keeps an in-memory graph of their containers
and assets in step with the file system.

Clients send commands and subscribe to updates over websockets:
  ws://<addr>/command     request/reply commands
  ws://<addr>/updates     update stream, filtered by ?topic=<prefix>
  http://<addr>/health    status and protocol version`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $SYNCD_CONFIG or <user config dir>/syncd/config.toml)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Daemon address (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "projects", Title: "Projects:"},
		&cobra.Group{ID: "updates", Title: "Updates:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration, exiting on error.
func loadConfig() *config.Config {
	cfg, err := config.LoadWithEnv(config.DiscoverPath(configPath))
	if err != nil {
		fatalf("Error: %v", err)
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}
	return cfg
}

// connect dials the daemon, exiting when it is not running.
func connect(ctx context.Context) *client.Client {
	cfg := loadConfig()
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c, err := client.Dial(dctx, cfg.Addr)
	if err != nil {
		fatalf("Error: %v\nIs the daemon running? Start it with 'syncd serve'.", err)
	}
	return c
}

func styles() ui.Styles {
	return ui.NewStyles(os.Stdout, ui.Colors(noColor))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// resolveProject finds an open project by id, id prefix, name or folder.
func resolveProject(ctx context.Context, c *client.Client, ref string) resource.Project {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		fatalf("Error: %v", err)
	}

	abs, _ := filepath.Abs(ref)
	var matches []resource.Project
	for _, p := range projects {
		switch {
		case p.ID.String() == ref, p.Path == abs:
			return p
		case strings.HasPrefix(p.ID.String(), ref), p.Name == ref:
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		fatalf("Error: no open project matches %q", ref)
	case 1:
		return matches[0]
	default:
		fatalf("Error: %q matches %d projects; use the project id", ref, len(matches))
	}
	return resource.Project{}
}
