package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commaudit/internal/api"
	"commaudit/internal/audit"
	"commaudit/internal/exporter"
	"commaudit/internal/metrics"
	"commaudit/internal/model"
	"commaudit/internal/report"
)

// Server re-runs the audit over the current log files on every request.
type Server struct {
	listen string
	opts   audit.Options
	logger *slog.Logger
	run    func(context.Context, audit.Options) (*audit.Result, error)

	// exportMu serializes Observe so /metrics never mixes two runs.
	exportMu sync.Mutex
	exp      *exporter.Exporter
}

// New constructs a server for the given listen address and audit options.
func New(listen string, opts audit.Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen: listen,
		opts:   opts,
		logger: logger,
		run:    audit.Run,
		exp:    exporter.New(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/mismatches", s.handleMismatches).Methods(http.MethodGet)
	r.HandleFunc("/rounds", s.handleRounds).Methods(http.MethodGet)
	r.HandleFunc("/types", s.handleTypes).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("audit server listening", "addr", s.listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) runAudit(w http.ResponseWriter, r *http.Request) (*audit.Result, bool) {
	res, err := s.run(r.Context(), s.opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fs.ErrNotExist) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("audit run failed", "error", err)
		writeJSONError(w, status, err.Error())
		return nil, false
	}
	return res, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runAudit(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := report.WriteText(&buf, res); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleMismatches(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runAudit(w, r)
	if !ok {
		return
	}
	mm := res.Mismatches()
	if mm == nil {
		mm = []model.Mismatch{}
	}
	writeJSON(w, http.StatusOK, api.MismatchesResponse{
		GeneratedAt: res.GeneratedAt,
		Policy:      string(res.Policy),
		Tolerance:   res.Tolerance.String(),
		ClientRows:  len(res.Client),
		Matched:     len(res.Reconcile.Matches),
		Mismatches:  mm,
	})
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runAudit(w, r)
	if !ok {
		return
	}
	rounds := res.Rounds
	if rounds == nil {
		rounds = []metrics.RoundSummary{}
	}
	writeJSON(w, http.StatusOK, api.RoundsResponse{
		Width:   res.RoundWidth.String(),
		Untimed: res.Untimed,
		Rounds:  rounds,
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runAudit(w, r)
	if !ok {
		return
	}
	types := res.Types
	if types == nil {
		types = []metrics.TypeSummary{}
	}
	writeJSON(w, http.StatusOK, types)
}

// metricsHandler refreshes the gauges from a fresh run before each scrape.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.exp.Registry(), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := s.runAudit(w, r)
		if !ok {
			return
		}
		s.exportMu.Lock()
		defer s.exportMu.Unlock()
		s.exp.Observe(res)
		inner.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
