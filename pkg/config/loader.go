package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where configuration is loaded from.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	// Type of source; file by default.
	Type SourceType

	// Path is the file path, or the key under the remote source.
	Path string

	// Endpoints address the remote source.
	Endpoints []string

	// Watch re-loads on change and invokes OnChange.
	Watch bool

	// OnChange receives each successfully reloaded config.
	OnChange func(*Config) error

	Logger *slog.Logger
}

// Loader reads, expands and validates configuration from one source.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	logger   *slog.Logger
	stopChan chan struct{}
}

// NewLoader prepares a loader; nothing is read until Load.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Load reads the source, expands environment variables, decodes strictly
// and runs the processing pipeline. With Watch set it also starts the
// background watcher.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}

	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider)
	}

	return cfg, nil
}

func (l *Loader) buildProvider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil

	case SourceConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil

	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil

	case SourceZookeeper:
		zkProvider, err := NewZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		return zkProvider, nil

	default:
		return nil, fmt.Errorf("unsupported config type: %s", l.options.Type)
	}
}

// parserFor returns the YAML parser for byte-oriented providers; consul and
// etcd providers emit structured maps and take none.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceFile || l.options.Type == SourceZookeeper {
		return l.parser
	}
	return nil
}

// Watcher is the optional capability of koanf providers.
type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		l.logger.Warn("config provider does not support watching", "type", l.options.Type)
		return
	}

	l.logger.Info("config watcher started", "type", l.options.Type)

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			l.logger.Warn("config watch error", "error", err)
			return
		}

		if err := l.koanf.Load(provider, l.parserFor()); err != nil {
			l.logger.Warn("failed to reload config", "error", err)
			return
		}
		if err := l.expandEnvVarsInKoanf(); err != nil {
			l.logger.Warn("failed to expand env vars in reloaded config", "error", err)
			return
		}
		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			l.logger.Warn("reloaded config processing failed", "error", err)
			return
		}

		if l.options.OnChange == nil {
			l.logger.Warn("config change detected but no OnChange callback registered")
			return
		}
		if err := l.options.OnChange(newCfg); err != nil {
			l.logger.Warn("config change callback failed", "error", err)
		} else {
			l.logger.Info("configuration reloaded", "type", l.options.Type)
		}
	})
	if err != nil {
		l.logger.Warn("config watch stopped", "error", err)
	}
}

// unmarshalAndProcess decodes strictly: unknown keys are errors, so typos
// fail at startup instead of silently keeping defaults.
func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	dc := &mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag:           "yaml",
		DecoderConfig: dc,
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return ProcessConfigPipeline(cfg)
}

// expandEnvVarsInKoanf rebuilds the koanf tree with ${VAR} values expanded.
func (l *Loader) expandEnvVarsInKoanf() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())

	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}

	newKoanf := koanf.New(".")
	if err := newKoanf.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = newKoanf
	return nil
}

// Stop terminates the watcher.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange replaces the change callback.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// LoadConfig is the one-shot helper.
func LoadConfig(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadConfigWithLoader(opts)
	return cfg, err
}

// LoadConfigWithLoader returns the loader too, for callers that watch.
func LoadConfigWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, loader, nil
}

// ParseSourceType parses a CLI-supplied source type.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	case "zookeeper", "zk":
		return SourceZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source type: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}
