package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. A ping fails when no pong
	// arrives within writeWait.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Client is one WebSocket subscriber to store events.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// Origin was checked above against the configured allow list.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	go client.writePump()
	go client.readPump()

	select {
	case s.register <- client:
	case <-r.Context().Done():
		conn.Close(websocket.StatusGoingAway, "")
	}
}

// checkOrigin accepts http(s) origins whose host is the server's own
// address, localhost or 127.0.0.1 on the server port, or one of the
// configured allowed origins. Requests without an Origin header are
// rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	port := strconv.Itoa(s.opts.Port)
	allowed := []string{
		s.opts.Addr(),
		"localhost:" + port,
		"127.0.0.1:" + port,
	}
	for _, a := range s.opts.AllowedOrigins {
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			a = u.Host
		}
		allowed = append(allowed, a)
	}
	for _, a := range allowed {
		if originURL.Host == a {
			return true
		}
	}
	return false
}

// forwardStoreEvents broadcasts every store event as JSON.
func (s *Server) forwardStoreEvents(ctx context.Context) {
	events := s.store.Watch()
	defer s.store.Unwatch(events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn(ctx, err, "Cannot encode store event", "event", ev.ID)
				continue
			}
			select {
			case s.broadcast <- msg:
			default:
				s.logger.Warn(ctx, nil, "Dropping store event, broadcast queue is full", "event", ev.ID)
			}
		}
	}
}

// StartHub runs the WebSocket hub and the store event forwarder until ctx
// is canceled. Run calls it; tests serving Handler directly call it too.
func (s *Server) StartHub(ctx context.Context) {
	go s.runWebSocketHub(ctx)
	go s.forwardStoreEvents(ctx)
}

func (s *Server) runWebSocketHub(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-s.register:
			if client == nil || client.conn == nil {
				continue
			}
			s.clientsMutex.Lock()
			s.clients[client.conn] = client
			count := len(s.clients)
			s.clientsMutex.Unlock()
			s.logger.Debug(ctx, "Client connected", "clients", count)

		case conn := <-s.unregister:
			if conn == nil {
				continue
			}
			s.dropClient(conn)

		case message := <-s.broadcast:
			s.clientsMutex.RLock()
			var failed []*websocket.Conn
			for conn, client := range s.clients {
				select {
				case client.send <- message:
				default:
					failed = append(failed, conn)
				}
			}
			s.clientsMutex.RUnlock()

			for _, conn := range failed {
				s.dropClient(conn)
			}
		}
	}
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	if client, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(client.send)
		s.logger.Debug(context.Background(), "Client disconnected", "clients", len(s.clients))
	}
}

func (s *Server) closeClients() {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	for conn, client := range s.clients {
		delete(s.clients, conn)
		close(client.send)
	}
}

// readPump discards client messages and notices disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c.conn:
		case <-time.After(time.Second):
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, _, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && status != -1 {
				c.server.logger.Debug(context.Background(), "WebSocket read ended", "error", err.Error())
			}
			return
		}
	}
}

// writePump sends queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
