// Package config loads the server configuration. Values come from built-in
// defaults, then an optional .env file and the environment, then flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"relaychat/internal/relay"
	"relaychat/internal/telemetry"
)

const (
	MinBufferSize = 64
	MaxBufferSize = 1 << 20

	// frameOverhead covers the handle, kind and delimiter of a relay frame
	// under either codec.
	frameOverhead = 64
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	TCPAddr   string `env:"RELAYCHAT_TCP_ADDR" default:":8001"`
	WSAddr    string `env:"RELAYCHAT_WS_ADDR"`
	WSPath    string `env:"RELAYCHAT_WS_PATH" default:"/ws"`
	WSOrigins string `env:"RELAYCHAT_WS_ORIGINS"`
	AdminAddr string `env:"RELAYCHAT_ADMIN_ADDR"`

	MaxClients   int           `env:"RELAYCHAT_MAX_CLIENTS" default:"10"`
	BufferSize   int           `env:"RELAYCHAT_BUFFER_SIZE" default:"1024"`
	SendQueue    int           `env:"RELAYCHAT_SEND_QUEUE" default:"16"`
	IdleTimeout  time.Duration `env:"RELAYCHAT_IDLE_TIMEOUT" default:"0s"`
	WriteTimeout time.Duration `env:"RELAYCHAT_WRITE_TIMEOUT" default:"10s"`

	Framing     string `env:"RELAYCHAT_FRAMING" default:"line"`
	MetricsSink string `env:"RELAYCHAT_METRICS_SINK" default:"inmem"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
}

// Load builds the configuration from the environment and the command line
// arguments in args, which excludes the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	flags := flag.NewFlagSet("relaychat", flag.ContinueOnError)
	flags.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "stream socket listen address")
	flags.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "WebSocket listen address, empty disables it")
	flags.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "HTTP path upgraded to WebSocket")
	flags.StringVar(&cfg.WSOrigins, "ws-origins", cfg.WSOrigins, "comma separated allowed origins, empty allows all")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP address for /clients and metrics, empty disables it")
	flags.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "maximum concurrent clients")
	flags.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "bytes read from a client at a time")
	flags.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "outbound messages queued per client before it is dropped")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "disconnect silent clients after this long, 0 disables it")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "deadline for each write to a client")
	flags.StringVar(&cfg.Framing, "framing", cfg.Framing, "relay framing: line or varint")
	flags.StringVar(&cfg.MetricsSink, "metrics-sink", cfg.MetricsSink, "metrics sink: inmem, prometheus or none")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalidConfig, flags.Args())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.TCPAddr == "" && c.WSAddr == "":
		return fmt.Errorf("%w: no listener, set -tcp-addr or -ws-addr", ErrInvalidConfig)
	case c.WSAddr != "" && !strings.HasPrefix(c.WSPath, "/"):
		return fmt.Errorf("%w: -ws-path must start with /, got %q", ErrInvalidConfig, c.WSPath)
	case c.MaxClients <= 0:
		return fmt.Errorf("%w: -max-clients must be positive, got %d", ErrInvalidConfig, c.MaxClients)
	case c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize:
		return fmt.Errorf("%w: -buffer-size must be in [%d, %d], got %d",
			ErrInvalidConfig, MinBufferSize, MaxBufferSize, c.BufferSize)
	case c.SendQueue <= 0:
		return fmt.Errorf("%w: -send-queue must be positive, got %d", ErrInvalidConfig, c.SendQueue)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: -idle-timeout must not be negative", ErrInvalidConfig)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: -write-timeout must be positive", ErrInvalidConfig)
	}

	if _, err := relay.CodecByName(c.Framing); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.MetricsSink {
	case telemetry.SinkInmem, telemetry.SinkPrometheus, telemetry.SinkNone:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, telemetry.ErrUnknownSink, c.MetricsSink)
	}
	return nil
}

// Origins splits WSOrigins.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.WSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// MaxFrameSize is the relay frame limit that fits one full client read.
func (c *Config) MaxFrameSize() int {
	return c.BufferSize + frameOverhead
}
