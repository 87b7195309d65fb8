package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	sendBuffer       = 256
)

// socket serialises writes to one websocket connection. Messages are
// written by a single goroutine in the order they were pushed.
type socket struct {
	ws     *websocket.Conn
	send   chan any
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*socket, error) {
	u := s.upgrader
	u.HandshakeTimeout = handshakeTimeout
	ws, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	// Sessions outlive the server's request timeouts.
	_ = ws.SetReadDeadline(time.Time{})

	c := &socket{
		ws:     ws,
		send:   make(chan any, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go c.writeLoop()
	return c, nil
}

func (c *socket) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// push queues v for writing. It returns once v is queued or the socket is
// closed.
func (c *socket) push(v any) {
	select {
	case c.send <- v:
	case <-c.done:
	}
}

func (c *socket) pushError(msg string) {
	c.push(errorMessage{Type: "error", Error: msg})
}

func (c *socket) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
