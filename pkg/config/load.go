package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/log"
)

var validate = validator.New()

func listYAMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errdefs.Config("cannot read config directory %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// mergeMap folds src into dst last-wins, logging a warning on redefinition.
func mergeMap[T any](dst map[string]T, src map[string]T, section, file string) map[string]T {
	if dst == nil {
		dst = make(map[string]T)
	}
	logger := log.WithComponent("config")
	for id, v := range src {
		if _, exists := dst[id]; exists {
			logger.Warn().
				Str("section", section).
				Str("id", id).
				Str("file", file).
				Msg("Configuration id redefined, last definition wins")
		}
		dst[id] = v
	}
	return dst
}

// LoadAgent loads and merges all YAML files in dir into an AgentConfig.
func LoadAgent(dir string) (*AgentConfig, error) {
	files, err := listYAMLFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errdefs.Config("no YAML configuration files found in %s", dir)
	}

	cfg := &AgentConfig{
		Sources: make(map[string]SourceConfig),
		Senders: make(map[string]SenderConfig),
		Pipes:   make(map[string]AgentPipeConfig),
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errdefs.Config("cannot read %s: %v", file, err)
		}
		var raw struct {
			AgentID string                     `yaml:"agent_id"`
			DataDir string                     `yaml:"data_dir"`
			Sources map[string]SourceConfig    `yaml:"sources"`
			Senders map[string]SenderConfig    `yaml:"senders"`
			Pipes   map[string]AgentPipeConfig `yaml:"pipes"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errdefs.Config("invalid YAML in %s: %v", file, err)
		}
		if raw.AgentID != "" {
			cfg.AgentID = raw.AgentID
		}
		if raw.DataDir != "" {
			cfg.DataDir = raw.DataDir
		}
		cfg.Sources = mergeMap(cfg.Sources, raw.Sources, "sources", file)
		cfg.Senders = mergeMap(cfg.Senders, raw.Senders, "senders", file)
		cfg.Pipes = mergeMap(cfg.Pipes, raw.Pipes, "pipes", file)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, errdefs.Config("invalid agent configuration: %v", err)
	}
	// Cross-reference resolution by id
	for id, pipe := range cfg.Pipes {
		if _, ok := cfg.Sources[pipe.Source]; !ok {
			return nil, errdefs.Config("pipe %s references unknown source %s", id, pipe.Source)
		}
		if _, ok := cfg.Senders[pipe.Sender]; !ok {
			return nil, errdefs.Config("pipe %s references unknown sender %s", id, pipe.Sender)
		}
	}
	if cfg.AgentID == "" {
		host, _ := os.Hostname()
		cfg.AgentID = host
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "tidemark-agent")
	}
	return cfg, nil
}

// LoadFusion loads and merges all YAML files in dir into a FusionConfig.
func LoadFusion(dir string) (*FusionConfig, error) {
	files, err := listYAMLFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errdefs.Config("no YAML configuration files found in %s", dir)
	}

	cfg := &FusionConfig{
		Receivers: make(map[string]ReceiverConfig),
		Views:     make(map[string]ViewConfig),
		Pipes:     make(map[string]FusionPipeConfig),
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errdefs.Config("cannot read %s: %v", file, err)
		}
		var raw struct {
			Receivers map[string]ReceiverConfig   `yaml:"receivers"`
			Views     map[string]ViewConfig       `yaml:"views"`
			Pipes     map[string]FusionPipeConfig `yaml:"pipes"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errdefs.Config("invalid YAML in %s: %v", file, err)
		}
		cfg.Receivers = mergeMap(cfg.Receivers, raw.Receivers, "receivers", file)
		cfg.Views = mergeMap(cfg.Views, raw.Views, "views", file)
		cfg.Pipes = mergeMap(cfg.Pipes, raw.Pipes, "pipes", file)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, errdefs.Config("invalid fusion configuration: %v", err)
	}
	for id, pipe := range cfg.Pipes {
		if _, ok := cfg.Receivers[pipe.Receiver]; !ok {
			return nil, errdefs.Config("pipe %s references unknown receiver %s", id, pipe.Receiver)
		}
		for _, viewID := range pipe.Views {
			if _, ok := cfg.Views[viewID]; !ok {
				return nil, errdefs.Config("pipe %s references unknown view %s", id, viewID)
			}
		}
	}
	return cfg, nil
}
