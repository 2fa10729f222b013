package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// readSecrets loads the optional secrets file, typically holding AWS keys and the Redis
// URL. It is found through:
//  1. <PREFIX>_SECRETS_FILE, which must name a readable file when set
//  2. secrets.<ext> next to the config file
//  3. secrets.{yaml,yml,json,toml} in the working directory
func (l *ViperLoader) readSecrets() (*viper.Viper, error) {
	path, err := l.discoverSecretsFile()
	if err != nil || path == "" {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}
	return v, nil
}

func (l *ViperLoader) discoverSecretsFile() (string, error) {
	secretsEnv := l.prefixedEnv("SECRETS_FILE")
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		path := strings.TrimSpace(raw)
		if path == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%s points to an inaccessible file %s: %w", secretsEnv, path, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s must point to a file, got directory %s", secretsEnv, path)
		}
		return path, nil
	}

	if l.configFile != "" {
		path := filepath.Join(filepath.Dir(l.configFile), "secrets"+filepath.Ext(l.configFile))
		if isFile(path) {
			return path, nil
		}
	}
	for _, ext := range []string{".yaml", ".yml", ".json", ".toml"} {
		if path := "secrets" + ext; isFile(path) {
			return path, nil
		}
	}
	return "", nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
