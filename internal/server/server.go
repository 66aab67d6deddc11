// Package server answers questions over HTTP, streaming the spirit's reply
// as server-sent events.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/api"
	"github.com/bodul/planchette/internal/model"
	"github.com/bodul/planchette/internal/oracle"
)

const maxBodySize = 64 << 10

// Options tunes request handling. Zero values fall back to defaults.
type Options struct {
	MaxQuestionLen int
	HistoryLimit   int
	AskRate        int
	AskInterval    time.Duration
	Logger         *zap.Logger
	// Registry receives the server metrics and backs /metrics.
	Registry *prometheus.Registry
	// Events fans out model status changes; wire it to the model manager.
	Events *Broadcaster
}

// Server is the main HTTP server.
type Server struct {
	mux      *http.ServeMux
	models   *model.Manager
	logger   *zap.Logger
	opts     Options
	askRL    *rateLimiter
	events   *Broadcaster
	metrics  *metrics
	registry *prometheus.Registry
}

// New creates a configured HTTP server.
func New(models *model.Manager, opts Options) *Server {
	if opts.MaxQuestionLen <= 0 {
		opts.MaxQuestionLen = 150
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.AskRate <= 0 {
		opts.AskRate = 10
	}
	if opts.AskInterval <= 0 {
		opts.AskInterval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Events == nil {
		opts.Events = NewBroadcaster()
	}

	s := &Server{
		mux:      http.NewServeMux(),
		models:   models,
		logger:   opts.Logger,
		opts:     opts,
		askRL:    newRateLimiter(opts.AskRate, opts.AskInterval),
		events:   opts.Events,
		metrics:  newMetrics(opts.Registry),
		registry: opts.Registry,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/ask", s.handleAsk)

	// Model API
	s.mux.HandleFunc("GET /api/model/status", s.handleModelStatus)
	s.mux.HandleFunc("POST /api/model/download", s.handleModelDownload)
	s.mux.HandleFunc("GET /api/model/events", s.handleModelEvents)

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	s.mux.ServeHTTP(w, r)
}

// Close stops background work and disconnects event subscribers.
func (s *Server) Close() {
	s.askRL.close()
	s.events.Close()
}

// POST /api/ask: answer a question as a token stream.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := s.logger.With(zap.String("request_id", uuid.NewString()))

	if !s.askRL.allow(r.RemoteAddr) {
		s.metrics.askRequests.WithLabelValues("rate_limited").Inc()
		jsonError(w, "Too many requests, try again later", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req api.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.askRequests.WithLabelValues("bad_request").Inc()
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	question := truncateRunes(strings.TrimSpace(req.Question), s.opts.MaxQuestionLen)
	if question == "" {
		s.metrics.askRequests.WithLabelValues("bad_request").Inc()
		jsonError(w, "Empty question", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if !s.models.Ready(ctx) {
		s.metrics.askRequests.WithLabelValues("not_ready").Inc()
		jsonError(w, "Model not ready", http.StatusServiceUnavailable)
		return
	}
	o := s.models.Oracle()

	crisisStart := time.Now()
	flagged, err := o.Classify(ctx, question)
	if err != nil {
		logger.Warn("crisis classification failed", zap.Error(err))
		flagged = false
	}
	crisisMS := time.Since(crisisStart).Milliseconds()
	if flagged {
		s.metrics.crisisFlagged.Inc()
		logger.Warn("question flagged as crisis")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	ev := &eventWriter{w: w, flusher: flusher}

	msgs := oracle.Conversation(req.History, s.opts.HistoryLimit, question)

	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	// Headers are committed with the first token so that a backend failing
	// up front still gets a JSON error.
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		if flagged {
			h.Set(api.CrisisHeader, "true")
		}
		w.WriteHeader(http.StatusOK)
	}

	tokens := 0
	genStart := time.Now()
	err = o.Stream(ctx, oracle.SystemPrompt, msgs, func(chunk string) error {
		if !started {
			s.metrics.firstToken.Observe(time.Since(start).Seconds())
		}
		begin()
		tokens++
		return ev.send(api.Event{Token: chunk})
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		s.metrics.askRequests.WithLabelValues("cancelled").Inc()
		logger.Debug("client went away", zap.Int("tokens", tokens))
		return
	case !started && errors.Is(err, oracle.ErrNotReady):
		s.metrics.askRequests.WithLabelValues("not_ready").Inc()
		jsonError(w, "Model not ready", http.StatusServiceUnavailable)
		return
	case !started:
		s.metrics.askRequests.WithLabelValues("error").Inc()
		logger.Error("generation failed", zap.Error(err))
		jsonError(w, "Generation failed", http.StatusInternalServerError)
		return
	default:
		s.metrics.askRequests.WithLabelValues("error").Inc()
		logger.Error("answer stream broken", zap.Int("tokens", tokens), zap.Error(err))
		// Drop the connection so the client sees a truncated stream
		// rather than a clean end.
		panic(http.ErrAbortHandler)
	}

	begin()
	perf := &api.Perf{
		ResponseMS:   time.Since(genStart).Milliseconds(),
		TotalMS:      time.Since(start).Milliseconds(),
		Tokens:       tokens,
		HistoryLen:   len(msgs) - 1,
		HistoryLimit: s.opts.HistoryLimit,
		CrisisMS:     crisisMS,
	}
	if err := ev.send(api.Event{Done: true, Perf: perf}); err != nil {
		logger.Debug("write done event", zap.Error(err))
	}

	s.metrics.askRequests.WithLabelValues("ok").Inc()
	s.metrics.askDuration.Observe(time.Since(start).Seconds())
	s.metrics.tokens.Observe(float64(tokens))
	logger.Info("question answered",
		zap.Int("question_len", utf8.RuneCountInString(question)),
		zap.Int("history_len", perf.HistoryLen),
		zap.Int("tokens", tokens),
		zap.Bool("crisis", flagged),
		zap.Int64("total_ms", perf.TotalMS),
	)
}

// GET /api/model/status
func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.models.Status(r.Context()))
}

// POST /api/model/download: idempotent.
func (s *Server) handleModelDownload(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.models.Download())
}

// GET /api/model/events: SSE stream of model status changes.
func (s *Server) handleModelEvents(w http.ResponseWriter, r *http.Request) {
	s.metrics.eventClients.Inc()
	defer s.metrics.eventClients.Dec()
	s.events.ServeSSE(w, r, s.models.Status(r.Context()))
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, api.ErrorBody{Error: msg})
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) > n {
		s = strings.TrimSpace(string([]rune(s)[:n]))
	}
	return s
}
