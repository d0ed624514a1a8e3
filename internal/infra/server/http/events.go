package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/infra/bus/eventbus"
	"github.com/coachpo/orderlink/internal/observability"
)

const eventWriteTimeout = 5 * time.Second

// EventSource feeds GET /events.
type EventSource interface {
	Subscribe(ctx context.Context, types ...schema.EventType) (eventbus.SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id eventbus.SubscriptionID)
}

// streamEvents upgrades to a websocket and writes every lifecycle event as a
// JSON text message. ?types=OrderFilled,OrderCompleted narrows the feed.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	types, ok := parseEventTypes(r.URL.Query().Get("types"))
	if !ok {
		writeError(w, http.StatusBadRequest, "types must list lifecycle event types")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("event stream upgrade failed", observability.Err(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The feed is write-only; CloseRead ends ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	id, events, err := s.events.Subscribe(ctx, types...)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "event bus unavailable")
		return
	}
	defer s.events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("encode lifecycle event", observability.F("event_id", evt.EventID), observability.Err(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.logger.Debug("event stream client dropped", observability.Err(err))
				return
			}
		}
	}
}

func parseEventTypes(raw string) ([]schema.EventType, bool) {
	var types []schema.EventType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		typ := schema.EventType(part)
		if !typ.Valid() {
			return nil, false
		}
		types = append(types, typ)
	}
	return types, true
}
