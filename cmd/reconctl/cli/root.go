package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/statement-recon/internal/matching"
)

// NewRootCommand builds the reconctl command tree. newJobs is called lazily so
// commands that never touch Redis do not dial it.
func NewRootCommand(newJobs func(redisAddr string) *JobsCLI) *cobra.Command {
	var redisAddr string
	root := &cobra.Command{
		Use:           "reconctl",
		Short:         "Operate the statement reconciliation queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "Redis address")

	withJobs := func(run func(cmd *cobra.Command, c *JobsCLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := newJobs(redisAddr)
			defer func() { _ = c.Close() }()
			return run(cmd, c, args)
		}
	}

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger statement tasks"}
	jobsCmd.AddCommand(
		&cobra.Command{
			Use:       "trigger {process-next|sweep|extract} [statement-id]",
			Short:     "Enqueue a statement task now",
			Args:      cobra.RangeArgs(1, 2),
			ValidArgs: []string{"process-next", "sweep", "extract"},
			RunE: withJobs(func(cmd *cobra.Command, c *JobsCLI, args []string) error {
				var id string
				if len(args) == 2 {
					id = args[1]
				}
				info, err := c.Trigger(cmd.Context(), args[0], id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s (%s)\n", info.Type, info.ID)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print queue counters as JSON",
			Args:  cobra.NoArgs,
			RunE: withJobs(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
				stats, err := c.InspectQueue()
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			}),
		},
		scheduledCommand(withJobs),
	)

	vendorsCmd := &cobra.Command{Use: "vendors", Short: "Check vendor alias files"}
	vendorsCmd.AddCommand(&cobra.Command{
		Use:   "compare <alias-file> <name-a> <name-b>",
		Short: "Score two vendor names with the given alias file",
		Long:  "Loads the alias file the way the services do and prints the 0-100 similarity. Pass - to use only the built-in aliases.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if path == "-" {
				path = ""
			}
			m, err := matching.LoadVendorMatcher(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.Similarity(args[1], args[2]))
			return nil
		},
	})

	root.AddCommand(jobsCmd, vendorsCmd)
	return root
}

func scheduledCommand(withJobs func(func(*cobra.Command, *JobsCLI, []string) error) func(*cobra.Command, []string) error) *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "List pending statement retries",
		Args:  cobra.NoArgs,
		RunE: withJobs(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
			tasks, err := c.ListScheduled(size)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				fmt.Fprintf(out, "%s\t%s\t%s\n", t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"), t.Type, t.Payload)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&size, "size", 10, "page size")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
