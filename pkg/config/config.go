// Package config loads jobwatch settings from defaults, an optional file, an optional
// secrets file and JOBWATCH_* environment variables, in increasing precedence.
package config

import (
	"time"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/tracing"
	"github.com/nimburion/jobwatch/pkg/queue/sqs"
	"github.com/nimburion/jobwatch/pkg/repository"
	"github.com/nimburion/jobwatch/pkg/repository/redis"
	"github.com/nimburion/jobwatch/pkg/worker"
)

// DefaultEnvPrefix prefixes every bound environment variable.
const DefaultEnvPrefix = "JOBWATCH"

// Repository types
const (
	RepositoryMemory = "memory"
	RepositoryRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Log        LogConfig        `mapstructure:"log"`
	SQS        SQSConfig        `mapstructure:"sqs"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Worker     worker.Config    `mapstructure:"worker"`
	Forward    eventbus.Config  `mapstructure:"forward"`
	Management ManagementConfig `mapstructure:"management"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SQSConfig configures the tracked queue connection.
type SQSConfig struct {
	ConnectionName  string `mapstructure:"connection_name"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	Queue  string `mapstructure:"queue"`
	Prefix string `mapstructure:"prefix"`
	Suffix string `mapstructure:"suffix"`

	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	WaitTimeSeconds   int32         `mapstructure:"wait_time_seconds"`
	VisibilityTimeout int32         `mapstructure:"visibility_timeout"`
}

// QueueConfig converts to the queue package's config.
func (c SQSConfig) QueueConfig() sqs.Config {
	return sqs.Config{
		ConnectionName:    c.ConnectionName,
		Region:            c.Region,
		Endpoint:          c.Endpoint,
		AccessKeyID:       c.AccessKeyID,
		SecretAccessKey:   c.SecretAccessKey,
		SessionToken:      c.SessionToken,
		Queue:             c.Queue,
		Prefix:            c.Prefix,
		Suffix:            c.Suffix,
		OperationTimeout:  c.OperationTimeout,
		WaitTimeSeconds:   c.WaitTimeSeconds,
		VisibilityTimeout: c.VisibilityTimeout,
	}
}

// RepositoryConfig selects and configures the job state store.
type RepositoryConfig struct {
	Type             string               `mapstructure:"type"`
	URL              string               `mapstructure:"url"`
	Prefix           string               `mapstructure:"prefix"`
	OperationTimeout time.Duration        `mapstructure:"operation_timeout"`
	Retention        repository.Retention `mapstructure:"retention"`
	// TrimInterval is how often the worker process drops expired records. Zero disables it.
	TrimInterval time.Duration `mapstructure:"trim_interval"`
}

// RedisConfig converts to the redis store's config.
func (c RepositoryConfig) RedisConfig() redis.Config {
	return redis.Config{
		URL:              c.URL,
		Prefix:           c.Prefix,
		OperationTimeout: c.OperationTimeout,
		Retention:        c.Retention,
	}
}

// ManagementConfig configures the HTTP listener serving /metrics and /health.
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// BacklogThreshold reports the queue as degraded at this many visible messages.
	// Zero disables the check.
	BacklogThreshold int `mapstructure:"backlog_threshold"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "jobwatch",
			Environment: "development",
		},
		Log: LogConfig{
			Level:  string(logger.InfoLevel),
			Format: string(logger.JSONFormat),
		},
		SQS: SQSConfig{
			ConnectionName:   sqs.DefaultConnectionName,
			Region:           "us-east-1",
			OperationTimeout: 30 * time.Second,
			WaitTimeSeconds:  10,
		},
		Repository: RepositoryConfig{
			Type:             RepositoryMemory,
			Prefix:           "jobwatch",
			OperationTimeout: 3 * time.Second,
			Retention:        repository.DefaultRetention(),
			TrimInterval:     time.Minute,
		},
		Worker: worker.Config{
			Concurrency:     1,
			MaxTries:        worker.DefaultMaxTries,
			Timeout:         worker.DefaultTimeout,
			InitialBackoff:  worker.DefaultInitialBackoff,
			MaxBackoff:      worker.DefaultMaxBackoff,
			PollInterval:    worker.DefaultPollInterval,
			BreakerFailures: worker.DefaultBreakerFailures,
			BreakerCooldown: worker.DefaultBreakerCooldown,
			StopTimeout:     worker.DefaultStopTimeout,
		},
		Forward: eventbus.Config{
			Type:             eventbus.TypeSQS,
			Topic:            "jobwatch-events",
			OperationTimeout: 5 * time.Second,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Addr:         ":9090",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Tracing: tracing.Config{
			ServiceName: "jobwatch",
			SampleRate:  1,
		},
	}
}
