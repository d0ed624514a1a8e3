package hitbtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/domain/schema"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
)

const (
	streamReadLimit   = 1 << 20
	streamFrameBuffer = 64
)

type wsRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
	ID     string `json:"id"`
}

type loginParams struct {
	Algo string `json:"algo"`
	PKey string `json:"pKey"`
	SKey string `json:"sKey"`
}

type wsEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

// Stream is the authenticated HitBTC report stream. Each Session call owns
// one websocket connection; reconnection is the caller's concern.
type Stream struct {
	opts    Options
	logger  observability.Logger
	metrics *telemetry.Metrics
}

// NewStream constructs a report stream.
func NewStream(opts Options, logger observability.Logger, metrics *telemetry.Metrics) *Stream {
	return &Stream{
		opts:    withDefaults(opts),
		logger:  observability.OrNop(logger),
		metrics: metrics,
	}
}

// Session connects, authenticates, subscribes to order reports and delivers
// them until the connection fails or ctx is cancelled. onMessage runs for
// every inbound message, including acknowledgements.
func (s *Stream) Session(ctx context.Context, onMessage func(), deliver func(schema.OrderUpdate)) error {
	if !s.opts.hasCredentials() {
		return errs.New(Name, errs.CodeAuth, errs.WithMessage("stream: api credentials not configured"))
	}
	conn, _, err := websocket.Dial(ctx, s.opts.websocketURL(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(Name, errs.CodeNetwork, errs.WithMessage("stream: dial "+s.opts.websocketURL()), errs.WithCause(err))
	}
	conn.SetReadLimit(streamReadLimit)

	sessionCtx, cancel := context.WithCancel(ctx)
	// The reader must keep reading for pongs to be processed, so frames are
	// buffered and pings run off the dispatch loop.
	frames := make(chan []byte, streamFrameBuffer)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.Read(sessionCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-sessionCtx.Done():
				return
			}
		}
	}()
	var pings conc.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		<-readerDone
		pings.Wait()
	}()

	loginID := uuid.NewString()
	if err := s.send(sessionCtx, conn, wsRequest{
		Method: "login",
		Params: loginParams{Algo: "BASIC", PKey: s.opts.Config.APIKey, SKey: s.opts.Config.APISecret},
		ID:     loginID,
	}); err != nil {
		return s.sessionError(ctx, err)
	}
	if err := s.send(sessionCtx, conn, wsRequest{Method: "subscribeReports", Params: struct{}{}, ID: uuid.NewString()}); err != nil {
		return s.sessionError(ctx, err)
	}

	timeout := s.opts.Config.MessageTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	pong := make(chan error, 1)
	pinging := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			// Reports read before the failure are still delivered.
			for len(frames) > 0 {
				if onMessage != nil {
					onMessage()
				}
				if handleErr := s.handleFrame(ctx, <-frames, loginID, deliver); handleErr != nil {
					return handleErr
				}
			}
			return s.sessionError(ctx, fmt.Errorf("read: %w", err))
		case data := <-frames:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
			if onMessage != nil {
				onMessage()
			}
			if err := s.handleFrame(ctx, data, loginID, deliver); err != nil {
				return err
			}
		case <-timer.C:
			if !pinging {
				pinging = true
				pings.Go(func() {
					pingCtx, pingCancel := context.WithTimeout(sessionCtx, s.opts.Config.PingTimeout)
					defer pingCancel()
					pong <- conn.Ping(pingCtx)
				})
			}
			timer.Reset(timeout)
		case err := <-pong:
			pinging = false
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errs.New(Name, errs.CodeTimeout, errs.WithMessage("stream: pong not received"), errs.WithCause(err))
			}
		}
	}
}

func (s *Stream) handleFrame(ctx context.Context, data []byte, loginID string, deliver func(schema.OrderUpdate)) error {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn("discard undecodable stream message", observability.Err(err))
		s.metrics.StreamMessage(ctx, "malformed")
		return nil
	}
	if envelope.Error != nil {
		venueErr := parseAPIError("stream", "", 0, data)
		if envelope.ID == loginID {
			return errs.New(Name, errs.CodeAuth, errs.WithMessage("stream: login rejected"), errs.WithCause(venueErr))
		}
		s.logger.Warn("stream request rejected", observability.F("id", envelope.ID), observability.Err(venueErr))
		s.metrics.StreamMessage(ctx, "error")
		return nil
	}

	switch strings.TrimSpace(envelope.Method) {
	case "report":
		var record orderRecord
		if err := json.Unmarshal(envelope.Params, &record); err != nil {
			s.logger.Warn("discard malformed order report", observability.Err(err))
			s.metrics.StreamMessage(ctx, "malformed")
			return nil
		}
		s.metrics.StreamMessage(ctx, "report")
		s.deliver(record, deliver)
	case "activeOrders":
		var records []orderRecord
		if err := json.Unmarshal(envelope.Params, &records); err != nil {
			s.logger.Warn("discard malformed active orders snapshot", observability.Err(err))
			s.metrics.StreamMessage(ctx, "malformed")
			return nil
		}
		s.metrics.StreamMessage(ctx, "active_orders")
		for _, record := range records {
			s.deliver(record, deliver)
		}
	default:
		s.metrics.StreamMessage(ctx, "ack")
	}
	return nil
}

func (s *Stream) deliver(record orderRecord, deliver func(schema.OrderUpdate)) {
	update := record.toUpdate(schema.UpdateSourceStream)
	if update.ClientOrderID == "" || deliver == nil {
		return
	}
	deliver(update)
}

func (s *Stream) send(ctx context.Context, conn *websocket.Conn, req wsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Method, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.Config.PingTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

func (s *Stream) sessionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(Name, errs.CodeTimeout, errs.WithMessage("stream: deadline exceeded"), errs.WithCause(err))
	}
	return errs.New(Name, errs.CodeNetwork, errs.WithMessage("stream: connection lost"), errs.WithCause(err))
}
