// Package status serves the regulator's health, last tick and Prometheus metrics over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/sensorpush"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Snapshot is the state reported by GET /status.
type Snapshot struct {
	LastTick     time.Time            `json:"lastTick"`
	Reading      *sensorpush.Reading  `json:"reading,omitempty"`
	State        string               `json:"state"`
	Thresholds   regulator.Thresholds `json:"thresholds"`
	LastCommand  *regulator.Command   `json:"lastCommand,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
	LastErrorAt  *time.Time           `json:"lastErrorAt,omitempty"`
	ErrorKind    string               `json:"errorKind,omitempty"`
	PollInterval string               `json:"pollInterval"`
}

type Server struct {
	addr     string
	interval time.Duration
	gatherer prometheus.Gatherer
	log      *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(addr string, pollInterval time.Duration, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		interval: pollInterval,
		gatherer: prometheus.DefaultGatherer,
		log:      zap.L(),
		now:      time.Now,
		snap:     Snapshot{State: "UNKNOWN", PollInterval: pollInterval.String()},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe implements regulator.Observer.
func (s *Server) Observe(_ context.Context, ev regulator.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.LastTick = ev.Time
	s.snap.State = ev.State.String()
	s.snap.Thresholds = ev.Thresholds
	if ev.Reading != nil {
		r := *ev.Reading
		s.snap.Reading = &r
	}
	if n := len(ev.Commands); n > 0 {
		c := ev.Commands[n-1]
		s.snap.LastCommand = &c
	}
	if ev.Err != nil {
		at := ev.Time
		s.snap.LastError = ev.Err.Error()
		s.snap.LastErrorAt = &at
		s.snap.ErrorKind = apierr.Kind(ev.Err)
	}
	return nil
}

func (s *Server) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	h := handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.log)), handlers.PrintRecoveryStack(true))(r)
	return otelhttp.NewHandler(h, "status")
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if e := <-errCh; e != nil && !errors.Is(e, http.ErrServerClosed) {
			err = errors.Join(err, e)
		}
		return err
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if snap.LastTick.IsZero() || s.now().Sub(snap.LastTick) > 3*s.interval {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stale\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(s.Snapshot())
	if err != nil {
		s.log.Warn("cannot encode status", zap.Error(err))
	}
}
