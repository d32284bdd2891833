package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	GroupID: "projects",
	Short:   "Turn a folder into a project",
	Long: `Create the project files in dir (default: the current directory) and an empty
data folder. Without --name the folder name is used, or asked for on a terminal.

Example usage:
  syncd init
  syncd init ~/experiments/run-12 --name "Run 12" --load`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			fatalf("Error: %v", err)
		}

		name, _ := cmd.Flags().GetString("name")
		load, _ := cmd.Flags().GetBool("load")
		if name == "" && ui.IsInteractive() {
			name = filepath.Base(abs)
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Project name").
					Value(&name).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("name is required")
						}
						return nil
					}),
				huh.NewConfirm().
					Title("Load it into the running daemon?").
					Value(&load),
			))
			if err := form.Run(); err != nil {
				fatalf("Error: %v", err)
			}
		}

		adapter := local.NewAdapter(log.New(os.Stderr, "[local] ", log.LstdFlags))
		p, err := adapter.InitProject(abs, strings.TrimSpace(name))
		if err != nil {
			fatalf("Error: %v", err)
		}

		s := styles()
		fmt.Printf("%s Initialized project %s\n", s.OK.Render("✓"), s.Title.Render(p.Name))
		fmt.Printf("   Path: %s\n", p.Path)
		fmt.Printf("   Data: %s\n", local.DataRootPath(p))
		fmt.Printf("   ID:   %s\n", p.ID)

		if !load {
			fmt.Printf("\nLoad it with 'syncd load %s'\n", p.Path)
			return
		}
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()
		if _, err := c.LoadProject(ctx, p.Path); err != nil {
			fatalf("Error: failed to load project: %v", err)
		}
		fmt.Println("   Loaded into the daemon")
	},
}

var loadCmd = &cobra.Command{
	Use:     "load <dir>",
	GroupID: "projects",
	Short:   "Open a project in the daemon",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()

		abs, err := filepath.Abs(args[0])
		if err != nil {
			fatalf("Error: %v", err)
		}
		loaded, err := c.LoadProject(ctx, abs)
		if err != nil {
			fatalf("Error: %v", err)
		}
		s := styles()
		fmt.Printf("%s Loaded %s (%s)\n", s.OK.Render("✓"), s.Title.Render(loaded.Project.Name), loaded.Project.ID)
	},
}

var unloadCmd = &cobra.Command{
	Use:     "unload <project>",
	GroupID: "projects",
	Short:   "Close a project in the daemon",
	Long: `Close a project. The project stays in the project manifest and is loaded
again the next time the daemon starts.

<project> is a project id, id prefix, name or folder.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()

		p := resolveProject(ctx, c, args[0])
		if err := c.UnloadProject(ctx, p.ID); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("Unloaded %s\n", p.Name)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "daemon",
	Short:   "Show daemon status and open projects",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()

		h, err := c.Health(ctx)
		if err != nil {
			fatalf("Error: %v", err)
		}
		projects, err := c.ListProjects(ctx)
		if err != nil {
			fatalf("Error: %v", err)
		}

		s := styles()
		fmt.Printf("\n%s syncd %s\n\n", s.OK.Render("●"), s.Title.Render(h.Status))
		fmt.Printf("Protocol:    %s\n", h.Version)
		fmt.Printf("Projects:    %d\n", h.Projects)
		fmt.Printf("Subscribers: %d\n\n", h.Subscribers)

		if len(projects) == 0 {
			return
		}
		tbl := &ui.Table{Headers: []string{"ID", "NAME", "PATH"}, MaxWidth: ui.TerminalWidth()}
		for _, p := range projects {
			tbl.AddRow(ui.ShortID(p.ID), p.Name, p.Path)
		}
		fmt.Print(tbl.Render(s))
		fmt.Println()
	},
}

var treeCmd = &cobra.Command{
	Use:     "tree <project>",
	GroupID: "projects",
	Short:   "Print the container tree of a project",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()

		p := resolveProject(ctx, c, args[0])
		g, err := c.Graph(ctx, p.ID)
		if err != nil {
			fatalf("Error: %v", err)
		}

		assets, _ := cmd.Flags().GetBool("assets")
		ids, _ := cmd.Flags().GetBool("ids")
		depth, _ := cmd.Flags().GetInt("depth")
		fmt.Print(ui.RenderTree(g, styles(), ui.TreeOptions{Assets: assets, IDs: ids, Depth: depth}))
	},
}

func init() {
	initCmd.Flags().StringP("name", "n", "", "Project name")
	initCmd.Flags().Bool("load", false, "Load the project into the running daemon")

	treeCmd.Flags().BoolP("assets", "a", false, "Include assets")
	treeCmd.Flags().Bool("ids", false, "Show resource ids")
	treeCmd.Flags().IntP("depth", "d", 0, "Limit depth (0 is unlimited)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(unloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(treeCmd)
}
