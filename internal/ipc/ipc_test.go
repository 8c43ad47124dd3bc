package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mullwire/tunneld/internal/tsm"
)

func newPipeServer(t *testing.T) (client *Client, cmds chan tsm.TunnelCommand, hub *Hub) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	cmds = make(chan tsm.TunnelCommand, 4)
	hub = NewHub()
	srv := NewServer(nil, cmds, hub, "test-session")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.serveConn(ctx, serverConn)

	c, err := NewClient(clientConn, ProtocolVersion.String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, cmds, hub
}

func TestHandshakeRejectsIncompatibleMajorVersion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	cmds := make(chan tsm.TunnelCommand, 1)
	srv := NewServer(nil, cmds, NewHub(), "s")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.serveConn(ctx, serverConn)

	_, err := NewClient(clientConn, "99.0.0")
	assert.Error(t, err)
}

func TestConnectRequestForwardsCommand(t *testing.T) {
	c, cmds, _ := newPipeServer(t)

	done := make(chan Response, 1)
	go func() {
		resp, err := c.Do(Request{Kind: ReqConnect})
		require.NoError(t, err)
		done <- resp
	}()

	select {
	case cmd := <-cmds:
		assert.Equal(t, tsm.CmdConnect, cmd.Kind)
	case <-time.After(time.Second):
		t.Fatal("daemon never received the command")
	}

	select {
	case resp := <-done:
		assert.True(t, resp.OK)
	case <-time.After(time.Second):
		t.Fatal("client never received a response")
	}
}

func TestStatusReturnsLastTransitionWithoutSendingACommand(t *testing.T) {
	c, cmds, hub := newPipeServer(t)

	want := tsm.TunnelStateTransition{Kind: tsm.TransConnected, Endpoint: "1.2.3.4:51820"}
	hubFeed := make(chan tsm.TunnelStateTransition, 1)
	go hub.Run(hubFeed)
	hubFeed <- want
	close(hubFeed)
	time.Sleep(20 * time.Millisecond)

	resp, err := c.Do(Request{Kind: ReqStatus})
	require.NoError(t, err)
	assert.Equal(t, want, resp.Transition)

	select {
	case <-cmds:
		t.Fatal("status must not enqueue a TunnelCommand")
	default:
	}
}

func TestSubscribeDeliversTransitions(t *testing.T) {
	c, _, hub := newPipeServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := c.Subscribe(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let the server register the subscription
	hubFeed := make(chan tsm.TunnelStateTransition, 1)
	go hub.Run(hubFeed)
	hubFeed <- tsm.TunnelStateTransition{Kind: tsm.TransDisconnecting}

	select {
	case t2 := <-stream:
		assert.Equal(t, tsm.TransDisconnecting, t2.Transition.Kind)
		assert.Equal(t, "test-session", t2.SessionID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the transition")
	}
}
