package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration.
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader loads Config with precedence ENV > secrets file > config file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty; an empty envPrefix means
// DefaultEnvPrefix.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// Load reads, merges and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	v, _, err := l.read()
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Settings returns the merged settings tree and the subset that came from the secrets
// file, for display.
func (l *ViperLoader) Settings() (settings, secrets map[string]any, err error) {
	v, secretsViper, err := l.read()
	if err != nil {
		return nil, nil, err
	}
	if secretsViper != nil {
		secrets = secretsViper.AllSettings()
	}
	return v.AllSettings(), secrets, nil
}

func (l *ViperLoader) read() (*viper.Viper, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	secretsViper, err := l.readSecrets()
	if err != nil {
		return nil, nil, err
	}
	if secretsViper != nil {
		if err := v.MergeConfigMap(secretsViper.AllSettings()); err != nil {
			return nil, nil, fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	l.bindEnvVars(v)
	return v, secretsViper, nil
}

// keys lists every leaf setting. Each one is bound to <PREFIX>_<KEY> with dots replaced
// by underscores, e.g. worker.max_tries reads JOBWATCH_WORKER_MAX_TRIES.
var keys = []string{
	"service.name",
	"service.environment",

	"log.level",
	"log.format",

	"sqs.connection_name",
	"sqs.region",
	"sqs.endpoint",
	"sqs.access_key_id",
	"sqs.secret_access_key",
	"sqs.session_token",
	"sqs.queue",
	"sqs.prefix",
	"sqs.suffix",
	"sqs.operation_timeout",
	"sqs.wait_time_seconds",
	"sqs.visibility_timeout",

	"repository.type",
	"repository.url",
	"repository.prefix",
	"repository.operation_timeout",
	"repository.retention.pending",
	"repository.retention.completed",
	"repository.retention.failed",
	"repository.trim_interval",

	"worker.queues",
	"worker.concurrency",
	"worker.max_tries",
	"worker.timeout",
	"worker.initial_backoff",
	"worker.max_backoff",
	"worker.poll_interval",
	"worker.poll_rate",
	"worker.visibility_extension",
	"worker.breaker_failures",
	"worker.breaker_cooldown",
	"worker.stop_timeout",

	"forward.enabled",
	"forward.type",
	"forward.topic",
	"forward.brokers",
	"forward.url",
	"forward.exchange",
	"forward.exchange_type",
	"forward.region",
	"forward.endpoint",
	"forward.queue_url",
	"forward.access_key_id",
	"forward.secret_access_key",
	"forward.session_token",
	"forward.operation_timeout",

	"management.enabled",
	"management.addr",
	"management.read_timeout",
	"management.write_timeout",
	"management.backlog_threshold",

	"tracing.enabled",
	"tracing.service_name",
	"tracing.environment",
	"tracing.endpoint",
	"tracing.sample_rate",
}

// fallbackEnv lists unprefixed variables honoured when the prefixed one is unset.
var fallbackEnv = map[string][]string{
	"sqs.region":            {"AWS_REGION", "AWS_DEFAULT_REGION"},
	"sqs.endpoint":          {"AWS_ENDPOINT_URL_SQS"},
	"sqs.access_key_id":     {"AWS_ACCESS_KEY_ID"},
	"sqs.secret_access_key": {"AWS_SECRET_ACCESS_KEY"},
	"sqs.session_token":     {"AWS_SESSION_TOKEN"},
	"repository.url":        {"REDIS_URL"},
	"tracing.endpoint":      {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	for _, key := range keys {
		names := []string{l.prefixedEnv(strings.ToUpper(strings.ReplaceAll(key, ".", "_")))}
		names = append(names, fallbackEnv[key]...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("sqs.connection_name", cfg.SQS.ConnectionName)
	v.SetDefault("sqs.region", cfg.SQS.Region)
	v.SetDefault("sqs.endpoint", cfg.SQS.Endpoint)
	v.SetDefault("sqs.access_key_id", cfg.SQS.AccessKeyID)
	v.SetDefault("sqs.secret_access_key", cfg.SQS.SecretAccessKey)
	v.SetDefault("sqs.session_token", cfg.SQS.SessionToken)
	v.SetDefault("sqs.queue", cfg.SQS.Queue)
	v.SetDefault("sqs.prefix", cfg.SQS.Prefix)
	v.SetDefault("sqs.suffix", cfg.SQS.Suffix)
	v.SetDefault("sqs.operation_timeout", cfg.SQS.OperationTimeout)
	v.SetDefault("sqs.wait_time_seconds", cfg.SQS.WaitTimeSeconds)
	v.SetDefault("sqs.visibility_timeout", cfg.SQS.VisibilityTimeout)

	v.SetDefault("repository.type", cfg.Repository.Type)
	v.SetDefault("repository.url", cfg.Repository.URL)
	v.SetDefault("repository.prefix", cfg.Repository.Prefix)
	v.SetDefault("repository.operation_timeout", cfg.Repository.OperationTimeout)
	v.SetDefault("repository.retention.pending", cfg.Repository.Retention.Pending)
	v.SetDefault("repository.retention.completed", cfg.Repository.Retention.Completed)
	v.SetDefault("repository.retention.failed", cfg.Repository.Retention.Failed)
	v.SetDefault("repository.trim_interval", cfg.Repository.TrimInterval)

	v.SetDefault("worker.queues", cfg.Worker.Queues)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.max_tries", cfg.Worker.MaxTries)
	v.SetDefault("worker.timeout", cfg.Worker.Timeout)
	v.SetDefault("worker.initial_backoff", cfg.Worker.InitialBackoff)
	v.SetDefault("worker.max_backoff", cfg.Worker.MaxBackoff)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.poll_rate", cfg.Worker.PollRate)
	v.SetDefault("worker.visibility_extension", cfg.Worker.VisibilityExtension)
	v.SetDefault("worker.breaker_failures", cfg.Worker.BreakerFailures)
	v.SetDefault("worker.breaker_cooldown", cfg.Worker.BreakerCooldown)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)

	v.SetDefault("forward.enabled", cfg.Forward.Enabled)
	v.SetDefault("forward.type", cfg.Forward.Type)
	v.SetDefault("forward.topic", cfg.Forward.Topic)
	v.SetDefault("forward.brokers", cfg.Forward.Brokers)
	v.SetDefault("forward.url", cfg.Forward.URL)
	v.SetDefault("forward.exchange", cfg.Forward.Exchange)
	v.SetDefault("forward.exchange_type", cfg.Forward.ExchangeType)
	v.SetDefault("forward.region", cfg.Forward.Region)
	v.SetDefault("forward.endpoint", cfg.Forward.Endpoint)
	v.SetDefault("forward.queue_url", cfg.Forward.QueueURL)
	v.SetDefault("forward.access_key_id", cfg.Forward.AccessKeyID)
	v.SetDefault("forward.secret_access_key", cfg.Forward.SecretAccessKey)
	v.SetDefault("forward.session_token", cfg.Forward.SessionToken)
	v.SetDefault("forward.operation_timeout", cfg.Forward.OperationTimeout)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.addr", cfg.Management.Addr)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.backlog_threshold", cfg.Management.BacklogThreshold)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.environment", cfg.Tracing.Environment)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}
