package plugin

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
)

// Config describes one plugin entry from the daemon config file.
type Config struct {
	Name               string            `mapstructure:"name"`
	Type               string            `mapstructure:"type"` // command (default) | echo
	Command            string            `mapstructure:"command"`
	Args               []string          `mapstructure:"args"`
	Env                map[string]string `mapstructure:"env"`
	Dir                string            `mapstructure:"dir"`
	StdinParams        bool              `mapstructure:"stdin_params"`
	StopTimeoutSeconds int               `mapstructure:"stop_timeout_seconds"`
}

// DecodeConfig turns a raw config table into a Config, rejecting unknown keys.
func DecodeConfig(raw map[string]any) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Build constructs a plugin from its config.
func Build(cfg Config) (Plugin, error) {
	switch cfg.Type {
	case "", "command":
		return NewCommand(cfg)
	case "echo":
		if cfg.Name == "" {
			return nil, fmt.Errorf("echo plugin: name is required")
		}
		return Echo(cfg.Name), nil
	default:
		return nil, fmt.Errorf("plugin %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// RegisterAll decodes, builds and registers every raw plugin entry, collecting all failures.
func RegisterAll(reg *Registry, raws []map[string]any) error {
	var merr *multierror.Error
	for i, raw := range raws {
		cfg, err := DecodeConfig(raw)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("plugins[%d]: %w", i, err))
			continue
		}
		p, err := Build(cfg)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("plugins[%d]: %w", i, err))
			continue
		}
		if err := reg.Register(p); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("plugins[%d]: %w", i, err))
		}
	}
	return merr.ErrorOrNil()
}

// Echo returns a plugin that emits its resolved parameters as a single data event.
func Echo(name string) Plugin {
	return Func{PluginName: name, Fn: func(ctx context.Context, params map[string]any) (<-chan Event, error) {
		out := make(chan Event, 1)
		out <- Data(params)
		close(out)
		return out, nil
	}}
}
