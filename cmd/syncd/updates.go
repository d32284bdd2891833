package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch [project]",
	GroupID: "updates",
	Short:   "Stream updates as they are published",
	Long: `Stream updates until interrupted. Without a project every topic is shown;
--app shows only manifest updates.

Delivery is best effort. Use 'syncd updates' to read what was missed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := connect(ctx)
		defer c.Close()

		prefix := ""
		if app, _ := cmd.Flags().GetBool("app"); app {
			prefix = protocol.AppTopic
		} else if len(args) == 1 {
			prefix = protocol.ProjectTopic(resolveProject(ctx, c, args[0]).ID)
		}

		sub, err := c.Subscribe(ctx, prefix)
		if err != nil {
			fatalf("Error: %v", err)
		}
		defer sub.Close()

		s := styles()
		for msg := range sub.Updates() {
			fmt.Println(ui.FormatUpdate(msg.Update, s))
		}
		if err := sub.Err(); err != nil && ctx.Err() == nil {
			fatalf("Error: %v", err)
		}
	},
}

var updatesCmd = &cobra.Command{
	Use:     "updates [project]",
	GroupID: "updates",
	Short:   "Read journaled updates",
	Long: `Read updates from the daemon's journal, oldest first.

--since accepts a duration ("90m"), a timestamp (RFC 3339) or a phrase such as
"2 hours ago" or "yesterday". --seq resumes after a sequence number printed by
an earlier call.

Example usage:
  syncd updates --since "2 hours ago"
  syncd updates my-project --seq 1042 --limit 50`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := connect(ctx)
		defer c.Close()

		var query protocol.UpdatesSinceArgs
		query.Seq, _ = cmd.Flags().GetInt64("seq")
		query.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("Error: %v", err)
			}
			query.Since = t
		}
		if len(args) == 1 {
			query.Project = resolveProject(ctx, c, args[0]).ID
		}

		updates, err := c.UpdatesSince(ctx, query)
		if err != nil {
			fatalf("Error: %v", err)
		}
		s := styles()
		for _, ju := range updates {
			fmt.Printf("%s %s\n", s.Dim.Render(fmt.Sprintf("%6d", ju.Seq)), ui.FormatUpdate(ju.Update, s))
		}
		if len(updates) == 0 {
			fmt.Println("No updates")
		}
	},
}

// parseSince interprets s relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand %q as a time", s)
	}
	return r.Time, nil
}

func init() {
	watchCmd.Flags().Bool("app", false, "Only show app (manifest) updates")

	updatesCmd.Flags().String("since", "", "Only updates after this time")
	updatesCmd.Flags().Int64("seq", 0, "Only updates after this sequence number")
	updatesCmd.Flags().Int("limit", 0, "Maximum number of updates (default 500)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(updatesCmd)
}
