package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// config holds the CLI settings. Values come from the config file with
// command-line flags layered on top.
type config struct {
	// Addr is the backend address: host:port for socket, a ws:// URL
	// for websocket.
	Addr string `toml:"addr"`

	// Transport selects how to reach the backend: socket, websocket,
	// or stdio.
	Transport string `toml:"transport"`

	// Command is the backend command line for the stdio transport.
	Command string `toml:"command"`

	// Thread is the thread actor name to attach to.
	Thread string `toml:"thread"`

	// RequestTimeout bounds how long frame and evaluate requests wait
	// for a response. Zero waits forever.
	RequestTimeout duration `toml:"request_timeout"`

	// LogLevel is a zerolog level name.
	LogLevel string `toml:"log_level"`
}

// duration lets TOML express timeouts as strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() config {
	return config{
		Addr:      "127.0.0.1:6080",
		Transport: "socket",
		LogLevel:  "info",
	}
}

// loadConfig reads path over the defaults. A missing file is not an
// error when explicit is false (the path was the built-in default).
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// validate rejects combinations the transports cannot serve.
func (c config) validate() error {
	switch c.Transport {
	case "socket", "websocket":
		if c.Addr == "" {
			return fmt.Errorf("transport %s requires addr", c.Transport)
		}
	case "stdio":
		if c.Command == "" {
			return errors.New("transport stdio requires command")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.Thread == "" {
		return errors.New("thread actor name is required")
	}

	return nil
}
