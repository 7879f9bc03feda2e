package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 1 << 12
	defaultInterval = time.Second
	minInterval     = 50 * time.Millisecond
	maxInterval     = 10 * time.Second
)

type wsEnvelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// The API binds to a local address by default and requires a token.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stateStream pushes the fan snapshot to one websocket client.
type stateStream struct {
	h    *Handler
	conn *websocket.Conn
	last []byte
}

// wsConnect streams the fan snapshot. A frame is written on connect and
// afterwards only when the snapshot changed since the last frame.
func (h *Handler) wsConnect(c *gin.Context) {
	interval := h.parseInterval(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()

	s := &stateStream{h: h, conn: conn}
	if err := s.run(c.Request.Context(), interval); err != nil && h.log != nil {
		h.log.Infow("ws_stream_closed", "err", err)
	}
}

// parseInterval reads ?interval=2s or ?interval_ms=2000. Values outside
// [minInterval, maxInterval] are clamped; unparsable ones give the default.
func (h *Handler) parseInterval(c *gin.Context) time.Duration {
	d := defaultInterval
	if s := c.Query("interval"); s != "" {
		if v, err := time.ParseDuration(s); err == nil && v > 0 {
			d = v
		}
	} else if ms := c.Query("interval_ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			d = time.Duration(v) * time.Millisecond
		}
	}
	return min(max(d, minInterval), maxInterval)
}

func (s *stateStream) run(ctx context.Context, interval time.Duration) error {
	s.conn.SetReadLimit(maxMsgSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go s.drain(closed)

	if err := s.push(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-tick.C:
			if err := s.push(ctx); err != nil {
				return err
			}
		}
	}
}

// drain reads and discards client frames so control frames are handled
// and a closed connection is noticed.
func (s *stateStream) drain(closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if s.h.log != nil {
				s.h.log.Debugw("ws_read_closed", "err", err)
			}
			return
		}
	}
}

// push writes the snapshot unless it encodes to the last frame sent.
func (s *stateStream) push(ctx context.Context) error {
	st, err := s.h.services.Monitoring.GetState(ctx)
	if err != nil {
		if s.h.log != nil {
			s.h.log.Errorw("ws_get_state_failed", "err", err)
		}
		return err
	}
	cur, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if s.last != nil && bytes.Equal(s.last, cur) {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(wsEnvelope{Type: "state", Data: cur}); err != nil {
		return err
	}
	s.last = cur
	return nil
}
