package ipc

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/mullwire/tunneld/internal/tsm"
)

// Server accepts CLI connections on a net.Listener and serves Request/
// Response and ReqSubscribe streams against a single shared tsm.Dispatcher.
type Server struct {
	listener  net.Listener
	cmds      chan<- tsm.TunnelCommand
	hub       *Hub
	sessionID string
}

// NewServer wraps listener around cmds (the dispatcher's command channel)
// and hub (fed by the dispatcher's Observe channel).
func NewServer(listener net.Listener, cmds chan<- tsm.TunnelCommand, hub *Hub, sessionID string) *Server {
	return &Server{listener: listener, cmds: cmds, hub: hub, sessionID: sessionID}
}

// Serve accepts connections until ctx is canceled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	group.Go("accept", func(ctx context.Context) error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ipc: accept: %w", err)
			}
			group.Go(fmt.Sprintf("conn-%s", conn.RemoteAddr()), func(ctx context.Context) error {
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	return group.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var hello Hello
	if err := dec.Decode(&hello); err != nil {
		dlog.Errorf(ctx, "ipc: read hello: %v", err)
		return
	}
	if err := CheckCompatible(hello.ClientVersion); err != nil {
		_ = enc.Encode(HelloReply{ServerVersion: ProtocolVersion.String(), Rejected: err.Error()})
		dlog.Warnf(ctx, "ipc: rejected client: %v", err)
		return
	}
	if err := enc.Encode(HelloReply{ServerVersion: ProtocolVersion.String(), SessionID: s.sessionID}); err != nil {
		dlog.Errorf(ctx, "ipc: write hello reply: %v", err)
		return
	}

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				dlog.Debugf(ctx, "ipc: connection closed: %v", err)
			}
			return
		}
		if req.Kind == ReqSubscribe {
			s.streamSubscription(ctx, enc)
			return
		}
		resp := s.handleRequest(ctx, req)
		if err := enc.Encode(resp); err != nil {
			dlog.Errorf(ctx, "ipc: write response: %v", err)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.Kind == ReqStatus {
		t, _ := s.hub.Last()
		return Response{OK: true, Transition: t}
	}

	cmd, excludedReply := toCommand(req)
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return Response{Error: ctx.Err().Error()}
	}

	if excludedReply != nil {
		select {
		case err := <-excludedReply:
			if err != nil {
				return Response{Error: err.Error()}
			}
		case <-ctx.Done():
			return Response{Error: ctx.Err().Error()}
		}
	}
	return Response{OK: true}
}

func (s *Server) streamSubscription(ctx context.Context, enc *gob.Encoder) {
	ch, last, hasLast := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	if hasLast {
		if err := enc.Encode(Transition{SessionID: s.sessionID, Transition: last}); err != nil {
			return
		}
	}
	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(Transition{SessionID: s.sessionID, Transition: t}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// toCommand translates a wire Request into the TSM's TunnelCommand. A
// ReqSetExcludedApps request gets a fresh reply channel the caller must
// drain exactly once.
func toCommand(req Request) (tsm.TunnelCommand, chan error) {
	switch req.Kind {
	case ReqConnect:
		return tsm.TunnelCommand{Kind: tsm.CmdConnect}, nil
	case ReqDisconnect:
		return tsm.TunnelCommand{Kind: tsm.CmdDisconnect}, nil
	case ReqReconnect:
		return tsm.TunnelCommand{Kind: tsm.CmdReconnect}, nil
	case ReqSetAllowLan:
		return tsm.TunnelCommand{Kind: tsm.CmdAllowLan, Bool: req.Bool}, nil
	case ReqSetBlockWhenDisconnected:
		return tsm.TunnelCommand{Kind: tsm.CmdBlockWhenDisconnected, Bool: req.Bool}, nil
	case ReqSetExcludedApps:
		reply := make(chan error, 1)
		return tsm.TunnelCommand{Kind: tsm.CmdSetExcludedApps, ExcludedApps: req.ExcludedApps, ExcludedReply: reply}, reply
	default:
		return tsm.TunnelCommand{Kind: tsm.CmdIsOffline}, nil
	}
}
