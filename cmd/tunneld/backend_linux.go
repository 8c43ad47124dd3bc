//go:build linux

package main

import (
	"context"
	"fmt"

	"github.com/mullwire/tunneld/internal/config"
	"github.com/mullwire/tunneld/internal/dnsmonitor"
	"github.com/mullwire/tunneld/internal/firewall"
	"github.com/mullwire/tunneld/internal/routemanager"
	"github.com/mullwire/tunneld/internal/tsm"
	"github.com/mullwire/tunneld/internal/tunnelmonitor"
)

type platformBackend struct {
	Firewall      tsm.Firewall
	DNSMonitor    tsm.DNSMonitor
	RouteManager  tsm.RouteManager
	SplitTunnel   tsm.SplitTunnel // nil: split-tunnel is Windows-only (spec §4.6)
	IsWindows     bool
	Monitor       tsm.TunnelMonitor
	env           config.Env
}

func newPlatformBackend(ctx context.Context, env config.Env) (*platformBackend, error) {
	fw, err := firewall.New()
	if err != nil {
		return nil, fmt.Errorf("firewall: %w", err)
	}
	return &platformBackend{
		Firewall:     fw,
		DNSMonitor:   dnsmonitor.New(0),
		RouteManager: routemanager.New(env.Interface),
		Monitor:      tunnelmonitor.New(),
		env:          env,
	}, nil
}

func (b *platformBackend) Close(ctx context.Context) {
	_ = b.Firewall.Reset(ctx)
}

func (b *platformBackend) ResolveParams(ctx context.Context) (tsm.TunnelParameters, error) {
	return tunnelmonitor.Params{
		PeerEndpointAddr: b.env.PeerEndpoint,
		NextHopAddr:      b.env.NextHop,
		ProxyAddr:        b.env.ProxyEndpoint,
		InterfaceName:    b.env.Interface,
		LocalAddresses:   []string{b.env.LocalAddress},
		UAPIConfig:       b.env.UAPIConfig,
	}, nil
}
