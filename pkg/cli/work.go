package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/jobwatch/pkg/server"
	"github.com/nimburion/jobwatch/pkg/version"
	"github.com/nimburion/jobwatch/pkg/worker"
)

func newWorkCommand(s *rootState) *cobra.Command {
	var (
		queues      []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process jobs and track their lifecycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := s.runtime(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			w, err := rt.NewWorker(queues, concurrency)
			if err != nil {
				return fmt.Errorf("create worker: %w", err)
			}
			if s.opts.ConfigureWorker != nil {
				if err := s.opts.ConfigureWorker(rt, w); err != nil {
					return fmt.Errorf("configure worker: %w", err)
				}
			}
			return runWork(ctx, rt, w)
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queue to consume (repeatable, defaults to worker.queues)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "poll loops per queue (defaults to worker.concurrency)")
	return cmd
}

// runWork runs the worker alongside the management server and the maintenance scheduler. The first
// component to fail stops the others.
func runWork(ctx context.Context, rt *Runtime, w *worker.Worker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			cancel()
		}()
	}

	if mgmt := rt.Config.Management; mgmt.Enabled {
		srv, err := server.NewManagementServer(server.Config{
			Addr:         mgmt.Addr,
			ReadTimeout:  mgmt.ReadTimeout,
			WriteTimeout: mgmt.WriteTimeout,
		}, server.Management{
			Health:  rt.Health(),
			Metrics: rt.Metrics,
			Store:   rt.Store,
			Version: version.Current(rt.Config.Service.Name),
		}, rt.Log)
		if err != nil {
			return fmt.Errorf("create management server: %w", err)
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		run("management server", srv.Start)
	}
	if len(rt.Scheduler.Tasks()) > 0 {
		run("scheduler", rt.Scheduler.Start)
	}
	run("worker", w.Start)

	wg.Wait()
	return errors.Join(errs...)
}

func closeRuntime(rt *Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		rt.Log.Error("failed to close runtime", "error", err)
	}
}
