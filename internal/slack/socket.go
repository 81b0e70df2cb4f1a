package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff bounds for reconnecting.
const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = time.Minute
)

// MessageEvent is an inbound message or app_mention event.
type MessageEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
}

// envelope is one Socket Mode frame.
type envelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventsAPIPayload struct {
	Type  string       `json:"type"`
	Event MessageEvent `json:"event"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

// Connector opens Socket Mode websocket URLs. *Client implements it.
type Connector interface {
	OpenConnection(ctx context.Context) (string, error)
}

// SocketConfig configures a SocketClient.
type SocketConfig struct {
	Connector  Connector
	Dialer     *websocket.Dialer
	BackoffMin time.Duration
	BackoffMax time.Duration
	Logger     *slog.Logger
}

// SocketClient receives events over Socket Mode and reconnects with
// exponential backoff until its context ends. Every envelope carrying an
// id is acknowledged before the event is delivered.
type SocketClient struct {
	connector  Connector
	dialer     *websocket.Dialer
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *slog.Logger

	events chan MessageEvent
}

// NewSocketClient creates a SocketClient. Call Run to connect.
func NewSocketClient(cfg SocketConfig) *SocketClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	lo, hi := cfg.BackoffMin, cfg.BackoffMax
	if lo <= 0 {
		lo = DefaultBackoffMin
	}
	if hi < lo {
		hi = DefaultBackoffMax
	}
	return &SocketClient{
		connector:  cfg.Connector,
		dialer:     dialer,
		backoffMin: lo,
		backoffMax: hi,
		logger:     logger,
		events:     make(chan MessageEvent, 64),
	}
}

// Events returns the inbound event channel. It is closed when Run
// returns.
func (s *SocketClient) Events() <-chan MessageEvent { return s.events }

// Run connects and reads until ctx is cancelled.
func (s *SocketClient) Run(ctx context.Context) error {
	defer close(s.events)

	delay := s.backoffMin
	for {
		healthy, err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("slack socket stopped")
			return nil
		}
		if healthy {
			delay = s.backoffMin
		}
		s.logger.Warn("slack socket disconnected, reconnecting", "error", err, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > s.backoffMax {
			delay = s.backoffMax
		}
	}
}

// errRefresh ends a session that Slack asked us to replace.
var errRefresh = errors.New("server requested reconnect")

// session runs one websocket connection. healthy reports whether the
// server greeted us, which resets the backoff.
func (s *SocketClient) session(ctx context.Context) (healthy bool, err error) {
	wsURL, err := s.connector.OpenConnection(ctx)
	if err != nil {
		return false, fmt.Errorf("open connection: %w", err)
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial websocket: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			closeConn()
		case <-stop:
		}
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return healthy, fmt.Errorf("read: %w", err)
		}
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(ack{EnvelopeID: env.EnvelopeID}); err != nil {
				return healthy, fmt.Errorf("ack %s: %w", env.EnvelopeID, err)
			}
		}

		switch env.Type {
		case "hello":
			healthy = true
			s.logger.Info("slack socket connected")
		case "disconnect":
			s.logger.Info("slack socket refresh requested", "reason", env.Reason)
			return healthy, errRefresh
		case "events_api":
			var p eventsAPIPayload
			if err := decodeInto(env.Payload, &p); err != nil {
				s.logger.Warn("undecodable slack event", "envelope_id", env.EnvelopeID, "error", err)
				continue
			}
			if p.Event.Type != "message" && p.Event.Type != "app_mention" {
				continue
			}
			select {
			case s.events <- p.Event:
			case <-ctx.Done():
				return healthy, ctx.Err()
			}
		default:
			s.logger.Debug("unhandled slack envelope", "type", env.Type)
		}
	}
}
