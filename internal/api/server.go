// Package api implements the operator HTTP API: health, version and an
// on-demand rundown.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/cadence/internal/apperr"
	"github.com/nugget/cadence/internal/buildinfo"
	"github.com/nugget/cadence/internal/rundown"
	"github.com/nugget/cadence/internal/temporal"
)

// checkTimeout bounds each health check.
const checkTimeout = 2 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RundownBuilder builds rundowns. *rundown.Aggregator implements it.
type RundownBuilder interface {
	Build(ctx context.Context, period temporal.PeriodSpec, userID string) (*rundown.Rundown, error)
}

// ZoneResolver resolves a user's IANA zone. *timezone.Resolver
// implements it.
type ZoneResolver interface {
	Resolve(ctx context.Context, userID string) string
}

// Check reports the health of one dependency. A nil error is healthy.
type Check func(ctx context.Context) error

// Config holds the dependencies for a Server.
type Config struct {
	Address string
	Port    int
	Rundown RundownBuilder
	Zones   ZoneResolver
	// Checks are run by /healthz, keyed by component name.
	Checks map[string]Check
	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	rundown RundownBuilder
	zones   ZoneResolver
	checks  map[string]Check
	ranges  temporal.RangeBuilder
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		rundown: cfg.Rundown,
		zones:   cfg.Zones,
		checks:  cfg.Checks,
		ranges:  temporal.RangeBuilder{Now: cfg.Now},
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/rundown", s.handleRundown)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return s.withLogging(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	errc := make(chan error, 1)
	go func() { errc <- s.server.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Cadence",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "components": components}, s.logger)
}

type rundownResponse struct {
	User     string   `json:"user"`
	Zone     string   `json:"zone"`
	Period   string   `json:"period"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Events   int      `json:"events"`
	Tasks    int      `json:"tasks"`
	Overdue  int      `json:"overdue"`
	Failures []string `json:"failures,omitempty"`
	Text     string   `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// handleRundown builds a rundown for ?user= over ?period= (default
// today). ?format=markdown renders CommonMark instead of Slack mrkdwn.
func (s *Server) handleRundown(w http.ResponseWriter, r *http.Request) {
	if s.rundown == nil {
		s.writeError(w, apperr.Config("caldav.url"))
		return
	}
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		s.writeError(w, apperr.Validation("user is required"))
		return
	}
	style := rundown.Slack
	switch q.Get("format") {
	case "", "slack":
	case "markdown":
		style = rundown.Markdown
	default:
		s.writeError(w, apperr.Validation("format must be slack or markdown", "slack", "markdown"))
		return
	}

	zone := "UTC"
	if s.zones != nil {
		zone = s.zones.Resolve(r.Context(), user)
	}
	p, err := s.ranges.Resolve(q.Get("period"), zone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rd, err := s.rundown.Build(r.Context(), p, user)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := rundownResponse{
		User:    user,
		Zone:    zone,
		Period:  p.Label(),
		Start:   p.Start.Format(time.RFC3339),
		End:     p.End.Format(time.RFC3339),
		Events:  len(rd.Events),
		Tasks:   len(rd.Tasks),
		Overdue: len(rd.Overdue),
		Text:    rundown.Render(rd, style),
	}
	for _, f := range rd.Failures {
		resp.Failures = append(resp.Failures, f.Fetch)
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// writeError maps an error's kind to an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.Classify(err)
	status := http.StatusBadGateway
	switch kind {
	case apperr.KindParse, apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConfig:
		status = http.StatusServiceUnavailable
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger.Error("api request failed", "error_kind", kind.String(), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: apperr.UserMessage(err), Kind: kind.String()}, s.logger)
}
