package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 64 << 10
)

// InboundHandler consumes events read from a session in arrival order.
type InboundHandler func(ctx context.Context, s *WSSession, ev models.Event)

// WSSession represents a connected rider or driver. All writes go through
// one goroutine; inbound events are handled by another, one at a time.
type WSSession struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewWSSession(conn *websocket.Conn, logger *slog.Logger, buffer int) *WSSession {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	return &WSSession{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
	}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Send(ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrNoSession
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return ErrNoSession
	default:
		return ErrSlowConsumer
	}
}

func (s *WSSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Serve runs the session until the peer goes away or ctx ends. It blocks.
func (s *WSSession) Serve(ctx context.Context, handle InboundHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	inbound := make(chan models.Event, 32)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		for ev := range inbound {
			handle(ctx, s, ev)
		}
	}()

	s.readPump(ctx, inbound)
	close(inbound)
	cancel()
	wg.Wait()
	_ = s.conn.Close()
}

func (s *WSSession) readPump(ctx context.Context, inbound chan<- models.Event) {
	s.conn.SetReadLimit(maxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read failed", "error", err)
			}
			return
		}
		var ev models.Event
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Name == "" {
			if reply, err := models.NewEvent(models.EventRideError, map[string]string{"message": "malformed event"}); err == nil {
				_ = s.Send(reply)
			}
			continue
		}
		select {
		case inbound <- ev:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *WSSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = s.conn.Close()
			return
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Warn("ws write failed", "error", err)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ws ping failed", "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}
