package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is anything with a HealthCheck method: the SQS queue, the stores and the
// forwarding producers.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker checks a Checkable under a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

func (c *AdapterChecker) Name() string { return c.name }

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res := CheckResult{Name: c.name, Status: StatusHealthy, Message: "OK"}
	if err := c.adapter.HealthCheck(checkCtx); err != nil {
		res.Status = StatusUnhealthy
		res.Message = ""
		res.Error = err.Error()
	}
	res.Timestamp = time.Now()
	res.Duration = time.Since(start)
	return res
}

// BacklogChecker reports degraded when a queue's visible backlog reaches threshold.
type BacklogChecker struct {
	name      string
	size      func(ctx context.Context) (int, error)
	threshold int
}

// NewBacklogChecker creates a checker over size, usually a bound Queue.Size call.
func NewBacklogChecker(name string, size func(ctx context.Context) (int, error), threshold int) *BacklogChecker {
	return &BacklogChecker{name: name, size: size, threshold: threshold}
}

func (c *BacklogChecker) Name() string { return c.name }

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Name: c.name, Status: StatusHealthy}
	n, err := c.size(ctx)
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	case c.threshold > 0 && n >= c.threshold:
		res.Status = StatusDegraded
		res.Message = "backlog at or above threshold"
	default:
		res.Message = "OK"
	}
	res.Timestamp = time.Now()
	res.Duration = time.Since(start)
	return res
}
