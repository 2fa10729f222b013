package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/jobwatch/pkg/config"
	"github.com/nimburion/jobwatch/pkg/version"
)

func newVersionCommand(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(s.opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
}

func newTrimCommand(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "trim",
		Short: "Drop job records older than their retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			n, err := rt.Store.Trim(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trimmed %d jobs\n", n)
			return nil
		},
	}
}

func newHealthcheckCommand(s *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to SQS, the repository and the forward broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := s.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			result := rt.Health().Check(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return fmt.Errorf("dependencies are %s", result.Status)
			}
			return nil
		},
	}
}

func newConfigCommand(s *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var showSecrets bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applySecretFileFlag(s.opts.EnvPrefix, s.secretFile); err != nil {
				return err
			}
			settings, secrets, err := config.NewViperLoader(s.configFile, s.opts.EnvPrefix).Settings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !showSecrets {
				settings = redactSettingsMap(settings, secrets)
			}
			out, err := formatSettings(settings)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	show.Flags().BoolVar(&showSecrets, "show-secrets", false, "print values loaded from the secrets file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := s.load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}

func formatSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// redactSettingsMap masks every value that the secrets file provided.
func redactSettingsMap(settings, secrets map[string]any) map[string]any {
	if len(settings) == 0 || len(secrets) == 0 {
		return settings
	}
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		mask, ok := secrets[key]
		if !ok {
			out[key] = value
			continue
		}
		out[key] = redactSettingValue(value, mask)
	}
	return out
}

func redactSettingValue(value, mask any) any {
	maskMap, maskIsMap := mask.(map[string]any)
	if !maskIsMap {
		if shouldRedactSetting(mask) {
			return "***"
		}
		return value
	}
	valueMap, valueIsMap := value.(map[string]any)
	if !valueIsMap {
		return "***"
	}
	return redactSettingsMap(valueMap, maskMap)
}

func shouldRedactSetting(mask any) bool {
	switch v := mask.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}
