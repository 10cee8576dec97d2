package viewsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/pslog"
	"pkt.systems/viewsync/internal/clock"
	"pkt.systems/viewsync/internal/convert"
	"pkt.systems/viewsync/internal/httpapi"
	"pkt.systems/viewsync/internal/model"
	"pkt.systems/viewsync/internal/session"
	"pkt.systems/viewsync/internal/storage"
	"pkt.systems/viewsync/internal/upload"
)

// Server wraps the session host, storage backend, upload pipeline, and HTTP
// surface.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	backend  storage.Backend
	session  *session.Session
	handler  *httpapi.Handler
	registry *prometheus.Registry
	clock    clock.Clock

	httpSrv     *http.Server
	listener    net.Listener
	metricsSrv  *http.Server
	metricsLis  net.Listener
	metricsErrs chan error

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Clock     clock.Clock
	Converter upload.Converter
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithConverter injects a conversion client, overriding Config.ConvertEndpoint.
func WithConverter(c upload.Converter) Option {
	return func(o *options) {
		o.Converter = c
	}
}

// NewServer constructs a viewsync server according to cfg.
// Example:
//
//	cfg := viewsync.Config{Store: "mem://", Listen: ":9600"}
//	srv, err := viewsync.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	backend := o.Backend
	if backend == nil {
		var err error
		backend, err = openBackend(cfg)
		if err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mdl := model.New(model.Config{
		LeaseTTL: cfg.LeaseTTL,
		Logger:   logger,
		Metrics:  model.NewMetrics(registry),
	})
	sess, err := session.New(session.Config{
		Model:  mdl,
		Clock:  clk,
		Store:  backend,
		Logger: logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := sess.Start(context.Background()); err != nil {
		backend.Close()
		return nil, err
	}

	converter := o.Converter
	if converter == nil && cfg.ConvertEndpoint != "" {
		converter, err = convert.New(convert.Config{
			Endpoint: cfg.ConvertEndpoint,
			Logger:   logger,
		})
		if err != nil {
			sess.Close()
			backend.Close()
			return nil, err
		}
	}
	formats := upload.NewFormatSource(upload.FormatSourceConfig{
		URL:    cfg.FormatsURL,
		TTL:    cfg.FormatsTTL,
		Logger: logger,
	})

	handler, err := httpapi.New(httpapi.Config{
		Session:        sess,
		Store:          backend,
		Formats:        formats,
		Converter:      converter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		sess.Close()
		backend.Close()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		session:  sess,
		handler:  handler,
		registry: registry,
		clock:    clk,
		readyCh:  make(chan struct{}),
	}, nil
}

// Handler exposes the HTTP surface for embedding in an external mux.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the configured listeners and serves until Shutdown. It blocks.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.httpSrv = &http.Server{Handler: s.handler}
	s.mu.Unlock()

	if s.cfg.MetricsListen != "" {
		if err := s.startMetrics(); err != nil {
			lis.Close()
			return err
		}
	}

	s.logger.Info("server.start", "listen", lis.Addr().String(), "store", s.cfg.Store)
	s.signalReady()
	err = s.httpSrv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.recordServeErr(err)
	return err
}

func (s *Server) startMetrics() error {
	lis, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.metricsLis = lis
	s.metricsSrv = srv
	s.metricsErrs = make(chan error, 1)
	errs := s.metricsErrs
	s.mu.Unlock()

	s.logger.Info("server.metrics.start", "listen", lis.Addr().String())
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	return nil
}

// ErrServerClosed is returned by Start after Shutdown has run.
var ErrServerClosed = errors.New("viewsync: server closed")

// Shutdown drains the HTTP servers, stops the session, and closes the
// backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpSrv := s.httpSrv
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	var firstErr error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.session.Close()
	if err := s.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("server.stop")
	return firstErr
}

// Close shuts down with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server accepts connections or ctx expires.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start has run.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastServeErr = err
}

// LastServeError reports the terminal error from Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer launches a server in the background and returns it together
// with a stop function. It waits until the listener is accepting.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	readyCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		srv.Close()
		return nil, nil, err
	}
	select {
	case err := <-errCh:
		if err != nil {
			return nil, nil, err
		}
	default:
	}
	stop := func(stopCtx context.Context) error {
		return srv.Shutdown(stopCtx)
	}
	return srv, stop, nil
}
