//go:build linux

package dnsmonitor

import (
	"context"
	"fmt"
	"net"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"
)

const (
	resolvedBusName    = "org.freedesktop.resolve1"
	resolvedObjectPath = "/org/freedesktop/resolve1"
	resolvedIface      = "org.freedesktop.resolve1.Manager"
)

// resolvedLinkAddress is the (family, address) pair systemd-resolved's
// SetLinkDNS expects, adapted from pkg/client/rootd/dbus/resolved.go.
type resolvedLinkAddress struct {
	Dialect int32
	IP      net.IP
}

// Resolved is the systemd-resolved-backed DNS monitor.
type Resolved struct {
	linkIndex int
}

// New returns a Resolved monitor bound to the given network link index
// (e.g. the tunnel interface's index once it exists). Set rebinds it to the
// index of the interface it is given whenever that interface is found.
func New(linkIndex int) *Resolved {
	return &Resolved{linkIndex: linkIndex}
}

func withDBus(f func(*dbus.Conn) error) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()
	return f(conn)
}

// IsResolveDRunning reports whether systemd-resolved is reachable on the
// system bus.
func IsResolveDRunning(ctx context.Context) bool {
	running := false
	err := withDBus(func(conn *dbus.Conn) error {
		var names []string
		if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
			return err
		}
		for _, n := range names {
			if n == resolvedBusName {
				running = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		dlog.Warningf(ctx, "dnsmonitor: checking for resolved: %v", err)
	}
	return running
}

func addressesOf(ips []string) []resolvedLinkAddress {
	addrs := make([]resolvedLinkAddress, 0, len(ips))
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		dialect := int32(unix.AF_INET)
		if ip.To4() == nil {
			dialect = unix.AF_INET6
		} else {
			ip = ip.To4()
		}
		addrs = append(addrs, resolvedLinkAddress{Dialect: dialect, IP: ip})
	}
	return addrs
}

// Set configures iface as the DNS-resolving interface with the given
// gateway IPs and makes it the default routing domain, the Linux
// implementation of the tsm.DNSMonitor.Set contract invoked from Connected
// entry (spec §4.4).
func (r *Resolved) Set(ctx context.Context, iface string, ips []string) error {
	if ifi, err := net.InterfaceByName(iface); err == nil {
		r.linkIndex = ifi.Index
	}
	return withDBus(func(conn *dbus.Conn) error {
		obj := conn.Object(resolvedBusName, dbus.ObjectPath(resolvedObjectPath))
		if call := obj.CallWithContext(ctx, resolvedIface+".SetLinkDNS", 0, r.linkIndex, addressesOf(ips)); call.Err != nil {
			return fmt.Errorf("SetLinkDNS(%s): %w", iface, call.Err)
		}
		domains := []struct {
			Name        string
			RoutingOnly bool
		}{{Name: "~.", RoutingOnly: true}}
		if call := obj.CallWithContext(ctx, resolvedIface+".SetLinkDomains", 0, r.linkIndex, domains); call.Err != nil {
			return fmt.Errorf("SetLinkDomains(%s): %w", iface, call.Err)
		}
		return nil
	})
}

// Reset clears any DNS configuration this monitor installed on the link
// (invariant I3: called before any state leaves Connected).
func (r *Resolved) Reset(ctx context.Context) error {
	return withDBus(func(conn *dbus.Conn) error {
		obj := conn.Object(resolvedBusName, dbus.ObjectPath(resolvedObjectPath))
		if call := obj.CallWithContext(ctx, resolvedIface+".RevertLink", 0, r.linkIndex); call.Err != nil {
			return fmt.Errorf("RevertLink: %w", call.Err)
		}
		return nil
	})
}
