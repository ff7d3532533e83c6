package ops

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/logging"
)

const (
	logWriteWait  = 10 * time.Second
	logPongWait   = 60 * time.Second
	logPingPeriod = 54 * time.Second
)

var logUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operator listener, loopback-bound by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// logStream fans rendered log lines out to websocket subscribers. New
// clients receive the buffered history before live lines.
type logStream struct {
	broadcaster *logging.Broadcaster
	logger      zerolog.Logger

	mu      sync.Mutex
	clients map[*logClient]struct{}
	closed  bool
}

type logClient struct {
	conn *websocket.Conn
	id   string
	ch   chan string
}

func newLogStream(broadcaster *logging.Broadcaster, logger zerolog.Logger) *logStream {
	return &logStream{
		broadcaster: broadcaster,
		logger:      logger,
		clients:     make(map[*logClient]struct{}),
	}
}

func (ls *logStream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := logUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		ls.logger.Debug().Err(err).Msg("Log stream upgrade failed")
		return
	}

	id, ch, history := ls.broadcaster.Subscribe()
	client := &logClient{conn: conn, id: id, ch: ch}

	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		ls.broadcaster.Unsubscribe(id)
		conn.Close()
		return
	}
	ls.clients[client] = struct{}{}
	ls.mu.Unlock()

	ls.logger.Debug().Str("subscriber", id).Msg("Log stream client connected")
	go ls.writePump(client, history)
	go ls.readPump(client)
}

// readPump discards inbound frames; it exists to run the pong handler and
// to notice the peer going away.
func (ls *logStream) readPump(c *logClient) {
	defer ls.drop(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(logPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(logPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ls *logStream) writePump(c *logClient, history []string) {
	ticker := time.NewTicker(logPingPeriod)
	defer func() {
		ticker.Stop()
		ls.drop(c)
	}()

	for _, line := range history {
		if !ls.writeLine(c, line) {
			return
		}
	}
	for {
		select {
		case line, ok := <-c.ch:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(logWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !ls.writeLine(c, line) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(logWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ls *logStream) writeLine(c *logClient, line string) bool {
	c.conn.SetWriteDeadline(time.Now().Add(logWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line)) == nil
}

// drop unsubscribes and closes exactly once per client; both pumps defer it.
func (ls *logStream) drop(c *logClient) {
	ls.mu.Lock()
	_, live := ls.clients[c]
	if live {
		delete(ls.clients, c)
	}
	ls.mu.Unlock()
	if !live {
		return
	}

	ls.broadcaster.Unsubscribe(c.id)
	c.conn.Close()
	ls.logger.Debug().Str("subscriber", c.id).Msg("Log stream client disconnected")
}

// closeAll disconnects every live client and refuses new ones.
func (ls *logStream) closeAll() {
	ls.mu.Lock()
	ls.closed = true
	clients := make([]*logClient, 0, len(ls.clients))
	for c := range ls.clients {
		clients = append(clients, c)
	}
	ls.mu.Unlock()

	for _, c := range clients {
		ls.drop(c)
	}
}
