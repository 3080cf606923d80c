package protocol

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elonfeng/creatorhub/internal/clock"
)

const (
	// WriteWait bounds a single frame write.
	WriteWait = 10 * time.Second
	// PongWait is how long a peer may stay silent before it is dropped.
	PongWait = 60 * time.Second
	// PingPeriod must be shorter than PongWait.
	PingPeriod = PongWait * 9 / 10
	// MaxMessageSize bounds an inbound frame. Snapshots are the largest.
	MaxMessageSize = 32 << 20
)

// Conn is an envelope-level websocket connection. Send is safe for
// concurrent use; Receive must be called from one goroutine.
type Conn struct {
	ws    *websocket.Conn
	clock clock.Clock

	writeMu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn, clk clock.Clock) *Conn {
	if clk == nil {
		clk = clock.Real()
	}
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{ws: ws, clock: clk}
}

// Dial connects to a controller websocket endpoint.
func Dial(ctx context.Context, url string, header http.Header, clk clock.Clock) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, clk), nil
}

// Upgrader returns the websocket upgrader used by the controller.
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		// Viewers are served from other origins (desktop shells, dev
		// servers); access control happens in front of the controller.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// Send encodes p in an envelope and writes it as one text frame.
func (c *Conn) Send(p Payload) error {
	data, err := Encode(p, c.clock.Now())
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteRaw writes an already encoded frame.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a control ping.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

// Receive reads the next frame. Transport failures are returned as is;
// a frame that fails validation yields an error for which IsProtocolError
// is true and the connection stays usable.
func (c *Conn) Receive() (Envelope, Payload, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, nil, err
	}
	return DecodeBody(data)
}

// KeepAlive arms the read deadline and extends it on every pong. Pair it
// with a Ping every PingPeriod.
func (c *Conn) KeepAlive() {
	c.ws.SetReadDeadline(time.Now().Add(PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(PongWait))
	})
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// IsClosed reports whether err means the peer went away normally.
func IsClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
