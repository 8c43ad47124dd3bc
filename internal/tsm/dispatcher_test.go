package tsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))
}

type fakeParams struct {
	endpoint string
}

func (p fakeParams) TunnelEndpoint() string  { return p.endpoint }
func (p fakeParams) NextHopEndpoint() string { return p.endpoint }
func (p fakeParams) ProxyEndpoint() string   { return p.endpoint }

type firewallCall struct {
	policy FirewallPolicy
	reset  bool
}

type fakeFirewall struct {
	mu       sync.Mutex
	calls    []firewallCall
	failKind FirewallPolicyKind
	failErr  error
}

func (f *fakeFirewall) Apply(_ context.Context, policy FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil && f.failKind == policy.Kind {
		err := f.failErr
		f.failErr = nil // fail once
		return err
	}
	f.calls = append(f.calls, firewallCall{policy: policy})
	return nil
}

func (f *fakeFirewall) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, firewallCall{reset: true})
	return nil
}

func (f *fakeFirewall) last() firewallCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return firewallCall{}
	}
	return f.calls[len(f.calls)-1]
}

// fakePolicyError stands in for internal/firewall.PolicyError: a backend
// error that round-trips through errors.As so newFirewallCause can recover
// its FirewallDetail, the same way the real iptables backend's lockedErr
// does for this package's production callers.
type fakePolicyError struct {
	kind FirewallPolicyErrorKind
	err  error
}

func (e *fakePolicyError) Error() string                         { return e.err.Error() }
func (e *fakePolicyError) Unwrap() error                         { return e.err }
func (e *fakePolicyError) FirewallKind() FirewallPolicyErrorKind { return e.kind }

type dnsCall struct {
	iface string
	ips   []string
	reset bool
}

type fakeDNS struct {
	mu    sync.Mutex
	calls []dnsCall
}

func (d *fakeDNS) Set(_ context.Context, iface string, ips []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dnsCall{iface: iface, ips: ips})
	return nil
}

func (d *fakeDNS) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dnsCall{reset: true})
	return nil
}

func (d *fakeDNS) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.reset {
			n++
		}
	}
	return n
}

type fakeRoutes struct{}

func (fakeRoutes) ClearRoutes(context.Context) error { return nil }
func (fakeRoutes) AddDefaultRouteCallback(context.Context, DefaultRouteCallback) (CallbackHandle, error) {
	return 0, nil
}
func (fakeRoutes) ClearDefaultRouteCallbacks(context.Context) error { return nil }

type fakeCloseHandle struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeCloseHandle() *fakeCloseHandle {
	return &fakeCloseHandle{closed: make(chan struct{})}
}

func (h *fakeCloseHandle) Close() {
	h.once.Do(func() { close(h.closed) })
}

// fakeMonitor hands out one tunnel attempt's channels at a time, built by the
// test's startFn. Closing an attempt's handle resolves its close event with
// nil (a clean exit), as the real tunnel monitor does.
type fakeMonitor struct {
	mu      sync.Mutex
	starts  int
	events  chan TunnelEvent
	close_  chan *ErrorStateCause
	handle  *fakeCloseHandle
	startFn func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle)
}

func (m *fakeMonitor) Start(_ context.Context, _ TunnelParameters) (<-chan TunnelEvent, <-chan *ErrorStateCause, CloseHandle, error) {
	m.mu.Lock()
	m.starts++
	n := m.starts
	m.mu.Unlock()
	ev, ce, h := m.startFn(n)
	go func() {
		<-h.closed
		select {
		case ce <- nil:
		default:
		}
	}()
	return ev, ce, h, nil
}

func newShared(fw *fakeFirewall, dns *fakeDNS, mon *fakeMonitor, params TunnelParameters) *SharedTunnelStateValues {
	return &SharedTunnelStateValues{
		Firewall:     fw,
		DNSMonitor:   dns,
		RouteManager: fakeRoutes{},
		Monitor:      mon,
		ParamSource: func(context.Context) (TunnelParameters, error) {
			return params, nil
		},
	}
}

func recvWithin(t *testing.T, ch <-chan TunnelStateTransition, d time.Duration) TunnelStateTransition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(d):
		t.Fatal("timed out waiting for transition")
		return TunnelStateTransition{}
	}
}

// Scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}
	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		ev := make(chan TunnelEvent, 1)
		ev <- TunnelEvent{Kind: EventUp, Metadata: TunnelMetadata{Interface: "utun0", IPv4Gateway: "10.0.0.1"}}
		return ev, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	got := recvWithin(t, d.Observe, time.Second)
	require.Equal(t, TransConnected, got.Kind)
	assert.Equal(t, params.endpoint, got.Endpoint)

	last := fw.last()
	assert.Equal(t, PolicyConnected, last.policy.Kind)
	assert.Equal(t, []string{"10.0.0.1"}, dns.calls[len(dns.calls)-1].ips)
}

// Scenario 2: auth failure.
func TestAuthFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}
	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		ev := make(chan TunnelEvent, 1)
		ev <- TunnelEvent{Kind: EventAuthFailed, AuthReason: "bad creds"}
		return ev, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	assert.Equal(t, TransDisconnecting, recvWithin(t, d.Observe, time.Second).Kind)
	got := recvWithin(t, d.Observe, time.Second)
	require.Equal(t, TransError, got.Kind)
	assert.Equal(t, CauseAuthFailed, got.Cause.Kind)
	assert.True(t, got.ErrorIsBlocking)
}

// Scenario 3: offline during connect.
func TestOfflineDuringConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}
	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		// never emits Up; the test drives IsOffline before anything arrives.
		return make(chan TunnelEvent), make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdIsOffline, Bool: true}
	assert.Equal(t, TransDisconnecting, recvWithin(t, d.Observe, time.Second).Kind)
	got := recvWithin(t, d.Observe, time.Second)
	require.Equal(t, TransError, got.Kind)
	assert.Equal(t, CauseIsOffline, got.Cause.Kind)
	assert.True(t, got.ErrorIsBlocking)

	cmds <- TunnelCommand{Kind: CmdIsOffline, Bool: false}
	select {
	case tr := <-d.Observe:
		t.Fatalf("unexpected transition after IsOffline(false): %v", tr)
	case <-time.After(100 * time.Millisecond):
	}

	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
}

// Scenario 4: reconnect on tunnel down.
func TestReconnectOnTunnelDown(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}

	firstEvents := make(chan TunnelEvent, 2)
	firstEvents <- TunnelEvent{Kind: EventUp, Metadata: TunnelMetadata{Interface: "utun0", IPv4Gateway: "10.0.0.1"}}

	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		if n == 1 {
			return firstEvents, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
		}
		ev := make(chan TunnelEvent, 1)
		ev <- TunnelEvent{Kind: EventUp, Metadata: TunnelMetadata{Interface: "utun0", IPv4Gateway: "10.0.0.2"}}
		return ev, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	assert.Equal(t, TransConnected, recvWithin(t, d.Observe, time.Second).Kind)

	firstEvents <- TunnelEvent{Kind: EventDown}
	assert.Equal(t, TransDisconnecting, recvWithin(t, d.Observe, time.Second).Kind)
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, 2*time.Second).Kind)
	assert.Equal(t, TransConnected, recvWithin(t, d.Observe, time.Second).Kind)

	assert.Equal(t, 1, dns.resetCount())
}

// Scenario 5: allow-LAN toggle while connected.
func TestAllowLanToggleWhileConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}
	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		ev := make(chan TunnelEvent, 1)
		ev <- TunnelEvent{Kind: EventUp, Metadata: TunnelMetadata{Interface: "utun0", IPv4Gateway: "10.0.0.1"}}
		return ev, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	assert.Equal(t, TransConnected, recvWithin(t, d.Observe, time.Second).Kind)

	cmds <- TunnelCommand{Kind: CmdAllowLan, Bool: true}
	select {
	case tr := <-d.Observe:
		t.Fatalf("unexpected transition on allow-lan toggle: %v", tr)
	case <-time.After(150 * time.Millisecond):
	}
	last := fw.last()
	assert.Equal(t, PolicyConnected, last.policy.Kind)
	assert.True(t, last.policy.AllowLan)
}

func TestAllowLanToggleLockedFirewallBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	fw := &fakeFirewall{}
	dns := &fakeDNS{}
	params := fakeParams{endpoint: "1.2.3.4:51820"}
	mon := &fakeMonitor{startFn: func(n int) (chan TunnelEvent, chan *ErrorStateCause, *fakeCloseHandle) {
		ev := make(chan TunnelEvent, 1)
		ev <- TunnelEvent{Kind: EventUp, Metadata: TunnelMetadata{Interface: "utun0", IPv4Gateway: "10.0.0.1"}}
		return ev, make(chan *ErrorStateCause, 1), newFakeCloseHandle()
	}}
	shared := newShared(fw, dns, mon, params)
	cmds := make(chan TunnelCommand, 4)
	d := NewDispatcher(shared, cmds)
	go d.Run(ctx)

	assert.Equal(t, TransDisconnected, recvWithin(t, d.Observe, time.Second).Kind)
	cmds <- TunnelCommand{Kind: CmdConnect}
	assert.Equal(t, TransConnecting, recvWithin(t, d.Observe, time.Second).Kind)
	assert.Equal(t, TransConnected, recvWithin(t, d.Observe, time.Second).Kind)

	fw.failKind = PolicyConnected
	fw.failErr = &fakePolicyError{kind: FirewallErrLockedByAnotherApplication, err: errors.New("locked by another application")}
	cmds <- TunnelCommand{Kind: CmdAllowLan, Bool: true}

	assert.Equal(t, TransDisconnecting, recvWithin(t, d.Observe, time.Second).Kind)
	got := recvWithin(t, d.Observe, time.Second)
	require.Equal(t, TransError, got.Kind)
	assert.Equal(t, CauseSetFirewallPolicyError, got.Cause.Kind)
	assert.Equal(t, FirewallErrLockedByAnotherApplication, got.Cause.FirewallDetail)
}
