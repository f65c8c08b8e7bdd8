package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	realtimeWriteWait = 10 * time.Second
	maxReconnectDelay = 30 * time.Second

	// minStableUptime is how long a connection must survive before the
	// reconnect backoff resets. A server that accepts the dial but drops
	// the socket right back (join rejected, flapping endpoint) counts as a
	// failure, otherwise the rejoin loop would hammer it at full speed.
	minStableUptime = 30 * time.Second
)

const (
	eventPostgresChanges = "postgres_changes"
	eventJoin            = "phx_join"
	eventHeartbeat       = "heartbeat"
	heartbeatTopic       = "phoenix"
)

// frame is the realtime wire envelope.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// changePayload carries one row-level change event.
type changePayload struct {
	Data struct {
		Type   string  `json:"type"`
		Record Message `json:"record"`
	} `json:"data"`
}

// MessageStream is a realtime feed of newly inserted messages. Delivery is
// at-least-once; consumers must de-duplicate by message id.
type MessageStream interface {
	// Events yields inserted messages. Closed on teardown.
	Events() <-chan Message
	// Close tears the stream down. Idempotent.
	Close()
}

// Subscription is a standing realtime channel delivering INSERT events for
// one conversation. Delivery is at-least-once: the channel rejoins after a
// connection drop and the server may redeliver rows, so consumers must
// de-duplicate by message id. Close (or cancelling the context passed to
// Subscribe) tears the channel down and closes Events.
type Subscription struct {
	events chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// Events is the stream of newly inserted messages. Closed on teardown.
func (sub *Subscription) Events() <-chan Message {
	return sub.events
}

// Close tears the subscription down. Idempotent.
func (sub *Subscription) Close() {
	sub.once.Do(sub.cancel)
	<-sub.done
}

// Subscribe opens a realtime channel scoped to INSERTs on the messages
// table filtered by conversation id. The anonymous key authenticates the
// socket; row visibility is still policy-filtered server-side.
func (s *Service) Subscribe(ctx context.Context, conversationID string) (MessageStream, error) {
	cfg := s.factory.Config()
	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Message, 16),
		cancel: cancel,
		done:   make(chan struct{}),
		log: s.log.With().
			Str("component", "realtime").
			Str("conversation_id", conversationID).
			Logger(),
	}

	url := fmt.Sprintf("%s?apikey=%s&eventsPerSecond=%d&vsn=1.0.0",
		cfg.RealtimeURL(), cfg.AnonKey, cfg.Realtime.EventsPerSecond)
	topic := fmt.Sprintf("realtime:%s:messages:conversation_id=eq.%s", cfg.Schema, conversationID)
	filter := fmt.Sprintf("conversation_id=eq.%s", conversationID)
	heartbeat := time.Duration(cfg.Realtime.HeartbeatSeconds) * time.Second

	// First dial happens synchronously so callers learn immediately when
	// the endpoint is unreachable; reconnects after that are handled
	// internally with backoff.
	conn, err := dialRealtime(runCtx, url)
	if err != nil {
		cancel()
		close(sub.done)
		return nil, fmt.Errorf("failed to open realtime channel: %w", err)
	}
	sub.log.Debug().Str("topic", topic).Msg("Realtime channel opened")

	go sub.run(runCtx, conn, url, topic, filter, cfg.Schema, heartbeat)
	return sub, nil
}

func dialRealtime(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

func (sub *Subscription) run(ctx context.Context, conn *websocket.Conn, url, topic, filter, schema string, heartbeat time.Duration) {
	defer close(sub.done)
	defer close(sub.events)

	delay := time.Second
	for {
		if conn == nil {
			var err error
			conn, err = dialRealtime(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sub.log.Warn().Err(err).Dur("retry_in", delay).Msg("Realtime reconnect failed")
				if !sub.backoff(ctx, &delay) {
					return
				}
				continue
			}
			sub.log.Debug().Msg("Realtime channel reconnected")
		}

		started := time.Now()
		err := sub.stream(ctx, conn, topic, filter, schema, heartbeat)
		_ = conn.Close()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) < minStableUptime {
			sub.log.Warn().Err(err).Dur("retry_in", delay).Msg("Realtime channel dropped, rejoining")
			if !sub.backoff(ctx, &delay) {
				return
			}
			continue
		}
		sub.log.Warn().Err(err).Msg("Realtime channel dropped, rejoining")
		delay = time.Second
	}
}

// backoff waits out the current reconnect delay and doubles it up to the
// cap. Returns false when the context ends first.
func (sub *Subscription) backoff(ctx context.Context, delay *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
	}
	if *delay *= 2; *delay > maxReconnectDelay {
		*delay = maxReconnectDelay
	}
	return true
}

// stream joins the topic and pumps frames until the connection errors or
// the context is cancelled.
func (sub *Subscription) stream(ctx context.Context, conn *websocket.Conn, topic, filter, schema string, heartbeat time.Duration) error {
	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "INSERT",
				"schema": schema,
				"table":  "messages",
				"filter": filter,
			}},
		},
	}
	if err := writeFrame(conn, topic, eventJoin, join); err != nil {
		return fmt.Errorf("failed to join topic: %w", err)
	}

	frames := make(chan frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := writeFrame(conn, heartbeatTopic, eventHeartbeat, map[string]any{}); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
		case f := <-frames:
			if f.Event != eventPostgresChanges {
				continue
			}
			var change changePayload
			if err := json.Unmarshal(f.Payload, &change); err != nil {
				sub.log.Warn().Err(err).Msg("Dropping undecodable change event")
				continue
			}
			if change.Data.Type != "INSERT" || change.Data.Record.ID == "" {
				continue
			}
			select {
			case sub.events <- change.Data.Record:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
	return conn.WriteJSON(frame{Topic: topic, Event: event, Payload: raw, Ref: uuid.NewString()})
}
