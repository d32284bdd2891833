package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projgraph/syncd/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "daemon",
	Short:   "Inspect and write configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and SYNCD_*
environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		data, err := loadConfig().Render(format)
		if err != nil {
			fatalf("Error: %v", err)
		}
		os.Stdout.Write(data)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	Run: func(cmd *cobra.Command, args []string) {
		path := config.DiscoverPath(configPath)
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			fatalf("Error: %s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(loadConfig(), path); err != nil {
			fatalf("Error: %v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "toml", "Output format: toml or yaml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
