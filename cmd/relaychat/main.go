package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"relaychat/internal/chat"
	"relaychat/internal/config"
	"relaychat/internal/logging"
	"relaychat/internal/relay"
	"relaychat/internal/telemetry"
	"relaychat/internal/transport"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	sink, err := telemetry.NewSink(cfg.MetricsSink)
	if err != nil {
		return err
	}
	m, err := telemetry.New(sink)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	codec, err := relay.CodecByName(cfg.Framing)
	if err != nil {
		return err
	}
	rl, err := relay.Open(
		relay.WithCodec(codec),
		relay.WithMaxFrameSize(cfg.MaxFrameSize()),
		relay.WithLogger(logger),
		relay.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	listeners, err := listen(cfg, logger)
	if err != nil {
		rl.Close()
		return err
	}

	d, err := chat.NewDispatcher(rl, listeners,
		chat.WithMaxClients(cfg.MaxClients),
		chat.WithSendQueue(cfg.SendQueue),
		chat.WithIdleTimeout(cfg.IdleTimeout),
		chat.WithWriteTimeout(cfg.WriteTimeout),
		chat.WithLogger(logger),
		chat.WithMetrics(m),
	)
	if err != nil {
		for _, l := range listeners {
			l.Close()
		}
		rl.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(ctx)
	})

	if cfg.AdminAddr != "" {
		srv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           adminHandler(d, sink),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin server listening", "addr", cfg.AdminAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("relaychat stopped")
	return err
}

func listen(cfg *config.Config, logger *slog.Logger) ([]transport.Listener, error) {
	var listeners []transport.Listener
	if cfg.TCPAddr != "" {
		l, err := transport.ListenTCP(cfg.TCPAddr, cfg.BufferSize)
		if err != nil {
			return nil, err
		}
		logger.Info("listening", telemetry.LabelTransport.L("tcp"), "addr", l.Addr().String())
		listeners = append(listeners, l)
	}
	if cfg.WSAddr != "" {
		l, err := transport.ListenWebSocket(cfg.WSAddr, cfg.WSPath, cfg.BufferSize, cfg.Origins())
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return nil, err
		}
		logger.Info("listening",
			telemetry.LabelTransport.L("websocket"),
			"addr", l.Addr().String(),
			"path", cfg.WSPath,
		)
		listeners = append(listeners, l)
	}
	return listeners, nil
}

func adminHandler(d *chat.Dispatcher, sink *telemetry.Sink) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /clients", func(w http.ResponseWriter, r *http.Request) {
		clients, err := d.Clients(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Clients []chat.ClientInfo `json:"clients"`
		}{Clients: clients})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if sink.Handler != nil {
		mux.Handle("GET "+sink.Path, sink.Handler)
	}
	return mux
}
