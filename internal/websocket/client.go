package websocket

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Поток односторонний: от клиента ждем только close и pong
	maxMessageSize = 1024

	// Снимок цикла с уровнями сетки - несколько KB
	clientSendBufferSize = 64
)

// OriginChecker - список разрешенных Origin для upgrade
type OriginChecker struct {
	allowed  map[string]struct{}
	allowAll bool
}

// ALLOWED_ORIGINS через запятую; пусто или "*" - без ограничений
var originChecker = newOriginChecker(os.Getenv("ALLOWED_ORIGINS"))

func newOriginChecker(list string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{})}

	list = strings.TrimSpace(list)
	if list == "" || list == "*" {
		oc.allowAll = true
		return oc
	}
	for _, origin := range strings.Split(list, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			oc.allowed[origin] = struct{}{}
		}
	}
	return oc
}

// Check разрешает запросы без Origin (не браузер) и origins из списка
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAll {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
}

// Client - подписчик потока снимков
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// readPump держит read deadline по pong и снимает клиента с учета при обрыве
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket closed unexpectedly", utils.Err(err))
			}
			return
		}
	}
}

// writePump пишет по одному JSON сообщению на кадр и шлет ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS - handler GET /ws/stream
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", utils.Err(err), utils.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, clientSendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
