package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/jobwatch/pkg/repository"
)

func newJobsCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect tracked jobs",
	}

	var (
		set   string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the jobs of one set, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			target := repository.Set(strings.ToLower(strings.TrimSpace(set)))
			records, err := rt.Store.List(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
	list.Flags().StringVar(&set, "set", string(repository.SetPending), "pending, completed or failed")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs, 0 for all")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := s.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			rec, err := rt.Store.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func writeRecords(out io.Writer, records []repository.JobRecord) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tATTEMPTS\tPUSHED\tTAGS")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Name, rec.Status, rec.Attempts, formatTime(rec.PushedAt), strings.Join(rec.Tags, ","))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
