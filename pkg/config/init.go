package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoCache Configuration File
#
# Every key can be overridden with an environment variable named
# DITTOCACHE_<SECTION>_<KEY>, for example DITTOCACHE_SERVER_PORT=11311.
# Sizes accept humanized values such as 64KiB and durations such as 5m.

`

var sectionComments = map[string]string{
	"logging": "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr or a path)",
	"server":  "memcached listener. workers: 0 starts one reactor per CPU.\nPool policies are fixed or unbounded; a fixed max_connections rejects clients once full.",
	"cuckoo":  "Item table. item_size bounds key plus value; policy is random, oldest or reject.",
	"metrics": "Prometheus endpoint at /metrics",
}

// ErrConfigExists is returned when a config file is already present and
// overwriting was not requested.
var ErrConfigExists = errors.New("config file already exists")

// InitConfig writes the default configuration to the default location and
// returns its path.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating
// parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w at %s (use --force to overwrite)", ErrConfigExists, path)
		}
	}

	cfg := GetDefaultConfig()
	// Leave machine-dependent sizes to be derived at load time.
	cfg.Server.Workers = 0
	cfg.Server.Pools.Requests.Size = 0

	content, err := generateYAMLWithComments(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each top-level section.
func generateYAMLWithComments(cfg *Config) ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var b bytes.Buffer
	b.WriteString(configHeader)
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
