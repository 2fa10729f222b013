package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// Validate checks cross-field rules and reports every violation at once.
func (c *Config) Validate() error {
	var errs []error

	switch logger.LogLevel(strings.ToLower(c.Log.Level)) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	switch logger.LogFormat(strings.ToLower(c.Log.Format)) {
	case logger.JSONFormat, logger.TextFormat:
	default:
		errs = append(errs, fmt.Errorf("invalid log.format: %q", c.Log.Format))
	}

	if strings.TrimSpace(c.SQS.Region) == "" {
		errs = append(errs, errors.New("sqs.region is required"))
	}
	if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
		errs = append(errs, errors.New("sqs.wait_time_seconds must be between 0 and 20"))
	}
	if c.SQS.VisibilityTimeout < 0 || c.SQS.VisibilityTimeout > 43200 {
		errs = append(errs, errors.New("sqs.visibility_timeout must be between 0 and 43200"))
	}
	if c.SQS.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.SQS.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("invalid sqs.endpoint: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Repository.Type)) {
	case RepositoryMemory:
	case RepositoryRedis:
		if strings.TrimSpace(c.Repository.URL) == "" {
			errs = append(errs, errors.New("repository.url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid repository.type: %q (must be memory or redis)", c.Repository.Type))
	}
	if c.Repository.TrimInterval < 0 {
		errs = append(errs, errors.New("repository.trim_interval must be >= 0"))
	}

	if c.Worker.Concurrency < 0 {
		errs = append(errs, errors.New("worker.concurrency must be >= 0"))
	}
	if err := c.Worker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Forward.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Management.Enabled && strings.TrimSpace(c.Management.Addr) == "" {
		errs = append(errs, errors.New("management.addr is required when management is enabled"))
	}
	if c.Management.BacklogThreshold < 0 {
		errs = append(errs, errors.New("management.backlog_threshold must be >= 0"))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
