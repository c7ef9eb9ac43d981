package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/callwise/copilot/pkg/errorsx"
	"github.com/callwise/copilot/pkg/logging"
	"github.com/gorilla/websocket"
)

// SuggestionSource exposes the latest cached suggestion, typically
// satisfied by *callstate.State.
type SuggestionSource interface {
	LatestSuggestion() (json.RawMessage, bool)
}

type Config struct {
	ServerAddr string
	Path       string
	Interval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8082"
	}
	if c.Path == "" {
		c.Path = "/suggestions"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	return c
}

// Server fans the latest suggestion out to subscriber WebSocket
// connections. Each subscriber that sends {"action":"start"} gets the
// cached suggestion immediately and again on its own delivery ticker;
// fresh suggestions are additionally pushed to everyone on arrival.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	server   *http.Server
	source   SuggestionSource
	logger   *slog.Logger

	subs *subscriberSet
}

func NewServer(cfg Config, source SuggestionSource) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		source: source,
		logger: logging.NewComponentLogger(slog.Default(), "fanout_server"),
		subs:   newSubscriberSet(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("fanout_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("fanout_server_started",
		slog.String("addr", s.cfg.ServerAddr),
		slog.String("path", s.cfg.Path),
		slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		_ = s.server.Close()
	}
	for _, sub := range s.subs.snapshot() {
		s.drop(sub, "server_stopped")
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := newSubscriber(conn)
	s.subs.add(sub)
	s.logger.Info("subscriber_connected",
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Int("subscribers", s.subs.count()))

	go sub.writeLoop()
	s.readLoop(sub)
}

func (s *Server) readLoop(sub *subscriber) {
	defer s.drop(sub, "connection_closed")
	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(msg, &req); err != nil {
			s.logger.Warn("subscriber_bad_message", slog.String("error", err.Error()))
			continue
		}
		if req.Action != "start" {
			s.logger.Debug("subscriber_unknown_action", slog.String("action", req.Action))
			continue
		}
		s.subscribe(sub)
	}
}

// subscribe moves the connection to the subscribed state. Repeat
// start requests are idempotent; a second delivery ticker is never
// armed.
func (s *Server) subscribe(sub *subscriber) {
	if !sub.markSubscribed() {
		s.logger.Debug("subscriber_start_repeated")
		return
	}
	s.logger.Info("subscriber_started")

	if raw, ok := s.source.LatestSuggestion(); ok {
		if err := s.deliver(sub, raw); err != nil {
			s.logger.Warn("initial_delivery_failed", slog.String("error", err.Error()))
		}
	}

	go s.deliveryLoop(sub)
}

// deliveryLoop re-sends the current suggestion on the subscriber's
// own cadence until it disconnects.
func (s *Server) deliveryLoop(sub *subscriber) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			raw, ok := s.source.LatestSuggestion()
			if !ok {
				s.logger.Debug("no_suggestion_to_deliver")
				continue
			}
			if err := s.deliver(sub, raw); err != nil {
				s.logger.Warn("periodic_delivery_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Broadcast pushes a fresh suggestion to every open subscribed
// connection, pruning any found closed along the way.
func (s *Server) Broadcast(raw json.RawMessage) {
	msg, err := envelope(raw)
	if err != nil {
		s.logger.Error("broadcast_encode_error", slog.String("error", err.Error()))
		return
	}
	subs := s.subs.snapshot()
	delivered := 0
	for _, sub := range subs {
		if !sub.isSubscribed() {
			continue
		}
		if err := sub.enqueue(msg); err != nil {
			s.drop(sub, "broadcast_send_failed")
			continue
		}
		delivered++
	}
	s.logger.Info("suggestion_broadcast",
		slog.Int("delivered", delivered),
		slog.Int("subscribers", len(subs)))
}

// SubscriberCount reports currently connected subscribers.
func (s *Server) SubscriberCount() int { return s.subs.count() }

func (s *Server) deliver(sub *subscriber, raw json.RawMessage) error {
	msg, err := envelope(raw)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFanoutEncode)
	}
	if err := sub.enqueue(msg); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonFanoutSend)
	}
	return nil
}

// drop runs the exactly-once disconnect path: cancel the delivery
// ticker, close the send queue and remove the subscriber from the
// set, regardless of which side initiated the close.
func (s *Server) drop(sub *subscriber, reason string) {
	if !sub.close() {
		return
	}
	s.subs.remove(sub)
	s.logger.Info("subscriber_disconnected",
		slog.String("reason", reason),
		slog.Int("subscribers", s.subs.count()))
}

func envelope(raw json.RawMessage) ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage{"suggestion": raw})
}
