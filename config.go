// config.go - Run configuration

package main

import (
	"fmt"
	"path/filepath"

	"github.com/kkyr/fig"
)

const CONFIG_ENV_PREFIX = "XENON"

// Config is the whole run configuration. Values come from an optional
// YAML file, overridden by XENON_* environment variables.
type Config struct {
	Audio struct {
		// "oto" plays submitted frames on the host device; "headless"
		// counts them.
		Backend string `fig:"backend" default:"headless"`
		// "null" or "opus".
		Decoder string `fig:"decoder" default:"null"`
	} `fig:"audio"`
	Monitoring struct {
		// Empty disables the metrics endpoint.
		Addr string `fig:"addr"`
	} `fig:"monitoring"`
	Content struct {
		// Host directory mounted as the guest file system root.
		Root string `fig:"root" default:"."`
	} `fig:"content"`
	Debug bool `fig:"debug"`
}

// LoadConfig reads path if given, otherwise environment plus defaults.
func LoadConfig(path string) (*Config, error) {
	var conf Config
	var err error
	if path != "" {
		err = fig.Load(&conf,
			fig.File(filepath.Base(path)),
			fig.Dirs(filepath.Dir(path)),
			fig.UseEnv(CONFIG_ENV_PREFIX))
	} else {
		err = fig.Load(&conf, fig.IgnoreFile(), fig.UseEnv(CONFIG_ENV_PREFIX))
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	switch conf.Audio.Backend {
	case "oto", "headless":
	default:
		return nil, fmt.Errorf("unknown audio backend %q", conf.Audio.Backend)
	}
	switch conf.Audio.Decoder {
	case "null", "opus":
	default:
		return nil, fmt.Errorf("unknown decoder %q", conf.Audio.Decoder)
	}
	return &conf, nil
}

// DecoderFactory returns the packet decoder constructor for the
// configured codec.
func (c *Config) DecoderFactory() DecoderFactory {
	if c.Audio.Decoder == "opus" {
		return NewOpusDecoder
	}
	return NewNullDecoder
}
