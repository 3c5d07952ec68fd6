package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// eventEnvelope is the framing for server-pushed events.
type eventEnvelope struct {
	Type  string    `json:"type"`
	Event eventBody `json:"event"`
}

type eventBody struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsConn wraps a websocket connection with a write mutex so the broker and
// the command dispatcher can both push frames safely.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send implements broker.Channel.
func (c *wsConn) Send(eventType string, data interface{}) error {
	return c.writeJSON(eventEnvelope{
		Type: "event",
		Event: eventBody{
			Type: eventType,
			Data: data,
		},
	})
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
