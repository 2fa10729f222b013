// Command jobwatch processes SQS jobs and records their lifecycle for dashboards.
package main

import (
	"context"

	"github.com/nimburion/jobwatch/pkg/cli"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
	"github.com/nimburion/jobwatch/pkg/worker"
)

// LogJobName is handled by every jobwatch worker: it logs the job and completes it. It
// is useful for smoke-testing a deployment with `jobwatch push jobwatch.Log`.
const LogJobName = "jobwatch.Log"

func main() {
	cmd := cli.NewRootCommand(cli.Options{
		Name: "jobwatch",
		ConfigureWorker: func(rt *cli.Runtime, w *worker.Worker) error {
			return w.Register(LogJobName, func(ctx context.Context, job *sqs.Job) error {
				rt.Log.WithContext(ctx).Info("job received",
					"attempts", job.Attempts(),
					"queue", job.Queue(),
					"payload", job.RawBody(),
				)
				return nil
			})
		},
	})
	cli.Execute(cmd)
}
