package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahimsalabs/channellog-go/channellog"
	"github.com/ahimsalabs/channellog-go/channellog/memorystorage"
	"github.com/ahimsalabs/channellog-go/storage/badgerstore"
)

func newServeCommand() *cobra.Command {
	var (
		configPath    string
		listen        string
		metricsListen string
		backend       string
		dir           string
		serverName    string
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve channel logs over HTTP",
		Long: `Serve channel logs over HTTP.

Settings come from the YAML file given with --config, then LOGD_*
environment variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(configPath)
			if err != nil {
				return err
			}
			if err := FromEnv(&cfg); err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("metrics-listen") {
				cfg.MetricsListen = metricsListen
			}
			if flags.Changed("backend") {
				cfg.Storage.Backend = backend
			}
			if flags.Changed("dir") {
				cfg.Storage.Dir = dir
			}
			if flags.Changed("server-name") {
				cfg.ServerName = serverName
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&listen, "listen", "", "address to serve the log protocol on")
	f.StringVar(&metricsListen, "metrics-listen", "", "separate address for /metrics")
	f.StringVar(&backend, "backend", "", "storage backend (memory or badger)")
	f.StringVar(&dir, "dir", "", "badger data directory")
	f.StringVar(&serverName, "server-name", "", "name or alias of this log server")
	f.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

// server is a configured but not yet listening logd.
type server struct {
	cfg     Config
	logger  *slog.Logger
	storage channellog.Storage
	closer  io.Closer
	handler *channellog.Handler
	mux     *http.ServeMux
	metrics http.Handler
}

// newServer opens storage and builds the HTTP handlers for cfg.
func newServer(cfg Config, logger *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	switch cfg.Storage.Backend {
	case backendBadger:
		st, err := badgerstore.New(badgerstore.Options{
			Dir:           cfg.Storage.Dir,
			BadgerLogger:  &badgerLogger{logger: logger.With("component", "badger")},
			Logger:        logger.With("component", "badgerstore"),
			MaxRecordSize: cfg.MaxAppendSize,
			GCInterval:    cfg.Storage.GCInterval,
			SyncInterval:  cfg.Storage.SyncInterval,
		})
		if err != nil {
			return nil, err
		}
		s.storage, s.closer = st, st
	default:
		s.storage = memorystorage.New()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	s.handler = channellog.NewHandler(s.storage, &channellog.HandlerConfig{
		ServerName:    cfg.ServerName,
		SSECloseAfter: cfg.SSECloseAfter,
		MaxAppendSize: cfg.MaxAppendSize,
		MaxSessions:   cfg.MaxSessions,
		Logger:        logger.With("component", "handler"),
		Metrics:       channellog.NewServerMetrics(reg),
	})

	s.mux = http.NewServeMux()
	s.mux.Handle("/", s.handler)
	if cfg.MetricsListen == "" {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	return s, nil
}

// Close releases the storage.
func (s *server) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// serve runs the HTTP servers on the given listeners until ctx ends, then
// shuts them down gracefully. metricsLn may be nil.
func (s *server) serve(ctx context.Context, ln, metricsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{Handler: s.mux}}
	listeners := []net.Listener{ln}
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metrics)
		servers = append(servers, &http.Server{Handler: mux})
		listeners = append(listeners, metricsLn)
	}

	for i, srv := range servers {
		srv.BaseContext = func(net.Listener) context.Context { return gctx }
		l := listeners[i]
		g.Go(func() error {
			s.logger.Info("listening", "addr", l.Addr().String())
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", l.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down", "sessions", s.handler.SessionCount())
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// run serves cfg until ctx ends.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		if metricsLn, err = net.Listen("tcp", cfg.MetricsListen); err != nil {
			ln.Close()
			return err
		}
	}

	logger.Info("logd starting",
		"server", cfg.ServerName,
		"backend", cfg.Storage.Backend,
		"sse_close_after", cfg.SSECloseAfter,
		"max_sessions", cfg.MaxSessions,
	)
	return s.serve(ctx, ln, metricsLn)
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(trimf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(trimf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(trimf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(trimf(format, args...))
}

func trimf(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}

var _ badger.Logger = (*badgerLogger)(nil)
