package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTagsCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage monitored tags",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "monitor <tag>...",
			Short: "Start monitoring tags; matching jobs are retained and indexed",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := s.runtime(cmd.Context())
				if err != nil {
					return err
				}
				defer closeRuntime(rt)
				for _, tag := range args {
					if err := rt.Store.Monitor(cmd.Context(), tag); err != nil {
						return fmt.Errorf("monitor %s: %w", tag, err)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "unmonitor <tag>...",
			Short: "Stop monitoring tags and drop their job index",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := s.runtime(cmd.Context())
				if err != nil {
					return err
				}
				defer closeRuntime(rt)
				for _, tag := range args {
					if err := rt.Store.StopMonitoring(cmd.Context(), tag); err != nil {
						return fmt.Errorf("stop monitoring %s: %w", tag, err)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List monitored tags",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := s.runtime(cmd.Context())
				if err != nil {
					return err
				}
				defer closeRuntime(rt)
				tags, err := rt.Store.Monitoring(cmd.Context())
				if err != nil {
					return err
				}
				for _, tag := range tags {
					fmt.Fprintln(cmd.OutOrStdout(), tag)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "jobs <tag>",
			Short: "List job ids indexed under a monitored tag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := s.runtime(cmd.Context())
				if err != nil {
					return err
				}
				defer closeRuntime(rt)
				ids, err := rt.Store.JobIDs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			},
		},
	)
	return cmd
}
