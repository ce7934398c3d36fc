package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionConfig tunes one websocket session.
type SessionConfig struct {
	SendBuffer    int
	PingInterval  time.Duration
	WriteWait     time.Duration
	MaxFrameBytes int64
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendBuffer < 1 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 4 << 10
	}
	return c
}

// pongWait is how long a silent peer is tolerated.
func (c SessionConfig) pongWait() time.Duration { return c.PingInterval * 2 }

// NewUpgrader returns an upgrader that accepts the given origins. An empty
// list falls back to the same-origin check; "*" accepts any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(allowedOrigins) == 0 {
		return u
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		if _, err := url.Parse(origin); err != nil {
			return false
		}
		_, ok := allowed[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
	return u
}

// Serve runs a session on conn until the peer disconnects or ctx ends.
// The client leaves all rooms before Serve returns.
func Serve(ctx context.Context, h *Hub, conn *websocket.Conn, cfg SessionConfig) {
	cfg = cfg.withDefaults()
	c := h.Register(cfg.SendBuffer)
	logger := log.With().Str("component", "realtime").Str("client_id", c.ID).Logger()
	logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("session opened")

	ctx, cancel := context.WithCancel(ctx)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		if err := readPump(h, c, conn, cfg); err != nil && !isClosure(err) {
			logger.Debug().Err(err).Msg("session read ended")
		}
	}()

	if err := writePump(ctx, c, conn, cfg); err != nil && !isClosure(err) {
		logger.Debug().Err(err).Msg("session write ended")
	}
	h.Unregister(c)
	_ = conn.Close()
	<-readDone
	logger.Debug().Msg("session closed")
}

func readPump(h *Hub, c *Client, conn *websocket.Conn, cfg SessionConfig) error {
	conn.SetReadLimit(cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.pongWait()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.pongWait()))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.Send(c, Event{Name: EventError, Data: "malformed frame"})
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.pongWait()))

		join, room, ok := ParseCommand(f)
		if !ok {
			h.Send(c, Event{Name: EventError, Data: "unknown event " + f.Event})
			continue
		}
		if join {
			h.Join(c, room)
			h.Send(c, Event{Name: EventJoined, Data: room})
		} else {
			h.Leave(c, room)
			h.Send(c, Event{Name: EventLeft, Data: room})
		}
	}
}

func writePump(ctx context.Context, c *Client, conn *websocket.Conn, cfg SessionConfig) error {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				return err
			}
		}
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
