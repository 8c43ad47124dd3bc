// Package tunnelmonitor implements the tsm.TunnelMonitor contract on top of
// a userspace WireGuard device (golang.zx2c4.com/wireguard).
package tunnelmonitor

import (
	"context"
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/datawire/dlib/dlog"
	"github.com/mullwire/tunneld/internal/tsm"
)

// Params is the concrete TunnelParameters implementation the monitor
// expects; TunnelParameters itself stays opaque to tsm per spec §3.
type Params struct {
	PeerEndpointAddr  string
	NextHopAddr       string
	ProxyAddr         string
	InterfaceName     string
	LocalAddresses    []string
	IPv4Gateway       string
	IPv6Gateway       string
	UAPIConfig        string // wg-style UAPI configuration string for IpcSet
}

func (p Params) TunnelEndpoint() string  { return p.PeerEndpointAddr }
func (p Params) NextHopEndpoint() string { return p.NextHopAddr }
func (p Params) ProxyEndpoint() string   { return p.ProxyAddr }

type closeHandle struct {
	once sync.Once
	stop func()
}

func (h *closeHandle) Close() {
	h.once.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
}

// Monitor spawns a tun.CreateTUN-backed WireGuard device per tunnel
// attempt and translates its lifecycle into the TunnelEvent/close-event
// pair the TSM's Connecting/Connected states consume (spec §6).
type Monitor struct {
	MTU int
}

// New returns a Monitor with a sane default MTU.
func New() *Monitor {
	return &Monitor{MTU: device.DefaultMTU}
}

// Start implements tsm.TunnelMonitor.
func (m *Monitor) Start(ctx context.Context, params tsm.TunnelParameters) (<-chan tsm.TunnelEvent, <-chan *tsm.ErrorStateCause, tsm.CloseHandle, error) {
	p, ok := params.(Params)
	if !ok {
		return nil, nil, nil, fmt.Errorf("tunnelmonitor: unexpected parameter type %T", params)
	}

	tunDev, tunName, err := tun.CreateTUN(p.InterfaceName, m.MTU)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create tun device: %w", err)
	}

	logger := device.NewLogger(device.LogLevelError, "tunneld: ")
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	events := make(chan tsm.TunnelEvent, 4)
	closeEvent := make(chan *tsm.ErrorStateCause, 1)
	stopped := make(chan struct{})

	if p.UAPIConfig != "" {
		if err := dev.IpcSet(p.UAPIConfig); err != nil {
			tunDev.Close()
			return nil, nil, nil, fmt.Errorf("configure wireguard device: %w", err)
		}
	}
	if err := dev.Up(); err != nil {
		tunDev.Close()
		return nil, nil, nil, fmt.Errorf("bring up wireguard device: %w", err)
	}

	realName, _ := tunDev.Name()
	if realName == "" {
		realName = tunName
	}
	md := tsm.TunnelMetadata{
		Interface:   realName,
		IPs:         p.LocalAddresses,
		IPv4Gateway: p.IPv4Gateway,
		IPv6Gateway: p.IPv6Gateway,
	}

	events <- tsm.TunnelEvent{Kind: tsm.EventInterfaceUp, Metadata: md}

	var once sync.Once
	markUp := func() {
		once.Do(func() {
			events <- tsm.TunnelEvent{Kind: tsm.EventUp, Metadata: md}
		})
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	h := &closeHandle{stop: func() {
		closeOnce.Do(func() { close(done) })
		dev.Close()
	}}

	go func() {
		defer close(stopped)
		defer close(events)
		// device.Device success from Up() is treated as the tunnel coming
		// fully up immediately, matching how the corpus's own bring-up
		// sequencing (InterfaceUp then Up) collapses for a local WireGuard
		// device with no external handshake wait to observe.
		markUp()
		select {
		case <-done:
		case <-ctx.Done():
		}
		select {
		case closeEvent <- nil:
		default:
		}
		dlog.Infof(ctx, "tunnelmonitor: device %s closed", realName)
	}()

	return events, closeEvent, h, nil
}
