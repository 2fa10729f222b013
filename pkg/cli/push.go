package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
)

// rawCommand is a command assembled from flags: its JSON form is the --data document.
type rawCommand struct {
	name  string
	data  json.RawMessage
	tags  []string
	tries int
}

func (c rawCommand) JobName() string     { return c.name }
func (c rawCommand) DisplayName() string { return c.name }
func (c rawCommand) Tags() []string      { return c.tags }
func (c rawCommand) Tries() int          { return c.tries }

func (c rawCommand) MarshalJSON() ([]byte, error) {
	if len(c.data) == 0 {
		return []byte("{}"), nil
	}
	return c.data, nil
}

func newPushCommand(s *rootState) *cobra.Command {
	var (
		data     string
		tags     []string
		queue    string
		delay    time.Duration
		maxTries int
	)
	cmd := &cobra.Command{
		Use:   "push <job-name>",
		Short: "Push a tracked job onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return jobs.Errorf(jobs.ErrValidation, "job name is required")
			}
			if data != "" && !json.Valid([]byte(data)) {
				return jobs.Errorf(jobs.ErrValidation, "--data must be valid JSON")
			}
			if delay < 0 {
				return jobs.Errorf(jobs.ErrValidation, "--delay must be >= 0")
			}

			rt, err := s.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			var opts []sqs.PushOption
			if delay > 0 {
				opts = append(opts, sqs.WithDelay(delay))
			}
			command := rawCommand{name: name, data: json.RawMessage(data), tags: tags, tries: maxTries}
			id, err := rt.Queue.Push(cmd.Context(), command, queue, opts...)
			if id != "" {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if err != nil {
				return fmt.Errorf("push %s: %w", name, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON document carried as the command")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag attached to the job (repeatable)")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name or URL (defaults to sqs.queue)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delivery delay, at most 15m")
	cmd.Flags().IntVar(&maxTries, "max-tries", 0, "deliveries before the job fails for good")
	return cmd
}
