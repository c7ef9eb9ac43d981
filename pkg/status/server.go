// Package status exposes the read-only operational HTTP surface of the
// relay: connection info, the live transcript buffer, an analysis
// endpoint probe, and the outbound call trigger.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/callwise/copilot/pkg/callstate"
	"github.com/callwise/copilot/pkg/logging"
)

// Analyzer is the slice of the analysis client the probe endpoint needs.
type Analyzer interface {
	Analyze(ctx context.Context, subjectID string, entries []callstate.Entry) (json.RawMessage, error)
	SubjectID() string
	URL() string
}

// ConferenceDialer places the outbound leg that feeds the media stream.
type ConferenceDialer interface {
	DialConference(ctx context.Context, to string) (callSID, conference string, err error)
}

// SubscriberCounter reports how many fan-out clients are connected.
type SubscriberCounter interface {
	SubscriberCount() int
}

type Config struct {
	ServerAddr string
	// TargetPhone is dialed by POST /start-call when the request body
	// does not name a number.
	TargetPhone string
	// FanoutURL is advertised in /connection-info so operators know
	// where to point suggestion subscribers.
	FanoutURL string
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	return c
}

type Server struct {
	cfg      Config
	calls    *callstate.State
	analyzer Analyzer
	dialer   ConferenceDialer
	subs     SubscriberCounter
	logger   *slog.Logger

	httpServer *http.Server

	mu         sync.Mutex
	conference string
}

func NewServer(cfg Config, calls *callstate.State, analyzer Analyzer, dialer ConferenceDialer, subs SubscriberCounter) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		calls:    calls,
		analyzer: analyzer,
		dialer:   dialer,
		subs:     subs,
		logger:   logging.NewComponentLogger(slog.Default(), "status_server"),
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/connection-info", s.handleConnectionInfo)
	r.Get("/transcript", s.handleTranscript)
	r.Get("/test-copilot", s.handleTestCopilot)
	r.Post("/start-call", s.handleStartCall)
	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ServerAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("status_server_started", slog.String("addr", s.cfg.ServerAddr))
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	callID, active := s.calls.Active()
	suggestions := 0
	if _, ok := s.calls.LatestSuggestion(); ok {
		suggestions = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_time":              time.Now().UTC().Format(time.RFC3339),
		"call_active":              active,
		"current_call":             callID,
		"current_conference":       s.currentConference(),
		"suggestion_ws":            s.cfg.FanoutURL,
		"current_suggestions":      suggestions,
		"current_transcript_items": s.calls.EntryCount(),
		"connected_clients":        s.subs.SubscriberCount(),
		"copilot_config": map[string]string{
			"url":        s.analyzer.URL(),
			"subject_id": s.analyzer.SubjectID(),
		},
		"instructions": map[string]string{
			"connect":         "Connect to: " + s.cfg.FanoutURL,
			"start_listening": `Send: {"action": "start"}`,
			"message_format":  `Receive: {"suggestion": {...}}`,
		},
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	callID, active := s.calls.Active()
	entries := s.calls.Entries()
	if entries == nil {
		entries = []callstate.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_transcript": entries,
		"transcript_count":   len(entries),
		"call_active":        active,
		"current_call":       callID,
		"server_time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTestCopilot(w http.ResponseWriter, r *http.Request) {
	testEntries := []callstate.Entry{
		{Role: callstate.RoleCall, Message: "Hello, this is a test transcript"},
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	raw, err := s.analyzer.Analyze(ctx, s.analyzer.SubjectID(), testEntries)
	if err != nil {
		s.logger.Error("copilot_probe_failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":     false,
			"copilot_url": s.analyzer.URL(),
			"error":       err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"copilot_url":   s.analyzer.URL(),
		"response_data": raw,
		"test_payload": map[string]any{
			"subject_id": s.analyzer.SubjectID(),
			"transcript": testEntries,
		},
	})
}

type startCallRequest struct {
	To string `json:"to"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "transport does not support outbound calls",
		})
		return
	}
	var req startCallRequest
	if r.Body != nil {
		// Body is optional; an empty or absent body falls back to the
		// configured target number.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	to := req.To
	if to == "" {
		to = s.cfg.TargetPhone
	}
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "no target phone number configured",
		})
		return
	}

	callSID, conference, err := s.dialer.DialConference(r.Context(), to)
	if err != nil {
		s.logger.Error("start_call_failed",
			slog.String("to", to),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	s.setConference(conference)
	s.logger.Info("call_initiated",
		slog.String("call_sid", callSID),
		slog.String("conference", conference),
		slog.String("to", to))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"conference": conference,
		"call_sid":   callSID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) currentConference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conference
}

func (s *Server) setConference(name string) {
	s.mu.Lock()
	s.conference = name
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
