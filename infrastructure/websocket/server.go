// Package websocket adapts gorilla connections to the gateway. Each socket
// gets a read pump running in the request goroutine and a write pump that is
// the only writer on the connection.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chat-gateway/contract"
	"chat-gateway/domain"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler is the gateway seen from the transport.
type Handler interface {
	Accept(remoteAddr string, sub contract.Subscriber) (domain.ConnectionID, error)
	Handle(ctx context.Context, id domain.ConnectionID, raw []byte)
	Disconnect(id domain.ConnectionID)
}

type Config struct {
	SendBuffer     int
	MaxFrameBytes  int64
	AllowedOrigins []string
}

type Server struct {
	log      *slog.Logger
	handler  Handler
	cfg      Config
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

func NewServer(log *slog.Logger, handler Handler, cfg Config) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	s := &Server{log: log, handler: handler, cfg: cfg}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 || lo.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	return lo.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(conn, s.cfg.SendBuffer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	id, err := s.handler.Accept(r.RemoteAddr, c)
	if err != nil {
		// Accept already queued the close frame.
		return
	}
	s.readPump(context.WithoutCancel(r.Context()), id, c)
}

func (s *Server) readPump(ctx context.Context, id domain.ConnectionID, c *client) {
	defer func() {
		s.handler.Disconnect(id)
		c.Close(websocket.CloseNormalClosure, "")
	}()
	if s.cfg.MaxFrameBytes > 0 {
		c.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("Read failed", "connection", id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handler.Handle(ctx, id, raw)
	}
}

// Wait blocks until every write pump has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// client is the Subscriber for one socket. Send and Close never block.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	code      int
	reason    string
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to flush what is queued, send the close frame and
// drop the connection. Only the first call counts.
func (c *client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.code, c.reason = code, reason
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.code, c.reason), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) drain() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(kind int, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data) == nil
}
