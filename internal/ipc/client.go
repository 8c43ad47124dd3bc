package ipc

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
)

// Client is a thin CLI-side wrapper around one IPC connection.
type Client struct {
	conn      net.Conn
	enc       *gob.Encoder
	dec       *gob.Decoder
	SessionID string
}

// NewClient performs the version handshake over conn and returns a ready
// Client, or an error if the daemon rejects this build's protocol version.
func NewClient(conn net.Conn, clientVersion string) (*Client, error) {
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := enc.Encode(Hello{ClientVersion: clientVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: send hello: %w", err)
	}
	var reply HelloReply
	if err := dec.Decode(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: read hello reply: %w", err)
	}
	if reply.Rejected != "" {
		conn.Close()
		return nil, fmt.Errorf("ipc: %s", reply.Rejected)
	}
	return &Client{conn: conn, enc: enc, dec: dec, SessionID: reply.SessionID}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and waits for a single Response. Must not be called with
// req.Kind == ReqSubscribe; use Subscribe instead.
func (c *Client) Do(req Request) (Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("ipc: send request: %w", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ipc: read response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("ipc: %s", resp.Error)
	}
	return resp, nil
}

// Subscribe sends a ReqSubscribe request and returns a channel of
// Transition messages; the channel closes when the connection does or ctx
// is canceled. This consumes the connection: no further Do calls are valid
// on this Client afterward, matching the daemon's one-shot stream handoff.
func (c *Client) Subscribe(ctx context.Context) (<-chan Transition, error) {
	if err := c.enc.Encode(Request{Kind: ReqSubscribe}); err != nil {
		return nil, fmt.Errorf("ipc: send subscribe: %w", err)
	}
	out := make(chan Transition, 8)
	go func() {
		defer close(out)
		for {
			var t Transition
			if err := c.dec.Decode(&t); err != nil {
				return
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
