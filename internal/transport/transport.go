// Package transport implements the duplex byte-frame channel over
// github.com/coder/websocket, for both the dial (client) and accept
// (relay) sides.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// CloseError is returned from Receive when the peer (or the local
// side) closed the channel, carrying the close code and reason.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed: code=%d reason=%q", e.Code, e.Reason)
}

// Conn is a duplex byte-frame channel backed by a WebSocket
// connection. The zero value is not usable; construct with Dial or
// Accept.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a duplex channel to url, the client/session side of the
// interface.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Accept upgrades an inbound HTTP request to a duplex channel, the
// relay's side of the interface.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Send transmits a single binary frame. Binary frames are
// length-preserving.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Receive blocks for the next binary frame. On a close handshake it
// returns a *CloseError carrying the code and reason; any other error
// is a transport-level failure that the caller should treat as a
// non-fatal close per its own backoff policy.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: uint16(ce.Code), Reason: ce.Reason}
		}
		return nil, fmt.Errorf("transport: receive: %w", err)
	}
	return data, nil
}

// Close sends a close frame with the given code and reason and waits
// for the peer's acknowledgment or a brief timeout.
func (c *Conn) Close(code uint16, reason string) error {
	if err := c.ws.Close(websocket.StatusCode(code), reason); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

// CloseNow closes the connection immediately without a close
// handshake, for use on unrecoverable local errors.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
