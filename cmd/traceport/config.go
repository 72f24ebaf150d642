package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/internal/files"
	"github.com/traceport/traceport/transport"
)

// configFileName is looked up from the working directory toward the root when
// no --config flag is given.
const configFileName = "traceport.toml"

// fileConfig maps the optional config file onto connection settings. Flags
// override anything set here.
type fileConfig struct {
	Host       string      `toml:"host"`
	TLS        string      `toml:"tls"`
	StunServer string      `toml:"stun_server"`
	Relays     []bus.Relay `toml:"relays"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return cfg, nil
		}
		path = files.FindUp(configFileName, wd)
		if path == "" {
			return cfg, nil
		}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) tlsPolicy() (transport.TLSPolicy, error) {
	switch c.TLS {
	case "", "auto":
		return transport.TLSAuto, nil
	case "enabled":
		return transport.TLSEnabled, nil
	case "disabled":
		return transport.TLSDisabled, nil
	default:
		return "", fmt.Errorf("unsupported tls policy %q, expected one of [auto,enabled,disabled]", c.TLS)
	}
}

func (c fileConfig) peerOptions() bus.PeerOptions {
	return bus.PeerOptions{StunServer: c.StunServer, Relays: c.Relays}
}
