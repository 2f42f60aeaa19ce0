// Package main implements tfctl, a CLI for the taskflow HTTP API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverURL string
	api := func() *client { return newClient(strings.TrimRight(serverURL, "/")) }

	root := &cobra.Command{
		Use:   "tfctl",
		Short: "CLI for the taskflow HTTP API",
		Long: `tfctl runs goals against a taskflow server and manages the sessions it
records.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "taskflow server URL")

	root.AddCommand(newRunCmd(api), newSessionsCmd(api), newHealthCmd(api))
	return root
}

func newRunCmd(api func() *client) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a goal and print the result",
		Long: `Run a goal through the planner, executor and critic.

Examples:
  tfctl run "Write a haiku about Go, then explain it in 50 words"
  tfctl run --quiet "List three uses of NATS"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().run(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !quiet {
				renderTrace(out, resp)
			}
			renderOutput(out, resp)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final output")
	return cmd
}

func newSessionsCmd(api func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage recorded sessions",
	}

	var userID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sums, err := api().listSessions(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			renderSummaries(cmd.OutOrStdout(), sums)
			return nil
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only sessions owned by this user")
	list.Flags().IntVar(&limit, "limit", 0, "maximum sessions (server default 50, max 100)")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := api().getSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderSession(cmd.OutOrStdout(), sess)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := api().deleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := api().renameSession(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", sum.ID, sum.Title)
			return nil
		},
	}

	cmd.AddCommand(list, get, del, rename)
	return cmd
}

func newHealthCmd(api func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := api()
			status, err := c.health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", c.baseURL)
			return nil
		},
	}
}
