// Package cli builds the jobwatch command tree: the worker, queue and repository
// inspection commands, and config and health tooling.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nimburion/jobwatch/pkg/config"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/worker"
)

// Options customizes the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// ConfigureWorker registers job handlers before the worker starts.
	ConfigureWorker func(rt *Runtime, w *worker.Worker) error

	// Dependencies overrides collaborators built from config.
	Dependencies Dependencies

	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

type rootState struct {
	opts           Options
	configFile     string
	secretFile     string
	logLevel       string
	runtimeFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runtime, error)
}

// NewRootCommand builds the jobwatch command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "jobwatch"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.Description == "" {
		opts.Description = "Track the lifecycle of SQS jobs"
	}
	state := &rootState{opts: opts}
	state.runtimeFactory = func(ctx context.Context, cfg *config.Config, log logger.Logger) (*Runtime, error) {
		return NewRuntime(ctx, cfg, log, opts.Dependencies)
	}

	root := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&state.configFile, "config-file", "c", opts.ConfigPath, "config file path")
	root.PersistentFlags().StringVar(&state.secretFile, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	root.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "log level override")

	root.AddCommand(
		newVersionCommand(state),
		newWorkCommand(state),
		newPushCommand(state),
		newJobsCommand(state),
		newTagsCommand(state),
		newTrimCommand(state),
		newHealthcheckCommand(state),
		newConfigCommand(state),
	)
	return root
}

func (s *rootState) load() (*config.Config, logger.Logger, error) {
	return LoadConfigAndLogger(s.configFile, s.opts.EnvPrefix, s.secretFile, s.logLevel, s.opts.LogOutput)
}

// runtime loads config and wires a runtime. The caller closes it.
func (s *rootState) runtime(ctx context.Context) (*Runtime, error) {
	cfg, log, err := s.load()
	if err != nil {
		return nil, err
	}
	return s.runtimeFactory(ctx, cfg, log)
}

// LoadConfigAndLogger loads and validates configuration, then builds the zap logger it
// describes. levelOverride wins over the configured level when set.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath, levelOverride string, out io.Writer) (*config.Config, logger.Logger, error) {
	if envPrefix == "" {
		envPrefix = config.DefaultEnvPrefix
	}
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if levelOverride = strings.TrimSpace(levelOverride); levelOverride != "" {
		cfg.Log.Level = levelOverride
	}

	level, err := logger.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: out})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log.Debug("configuration loaded",
		"service", cfg.Service.Name,
		"queue", cfg.SQS.Queue,
		"repository", cfg.Repository.Type,
		"forward", cfg.Forward.Type,
	)
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(strings.ToUpper(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
