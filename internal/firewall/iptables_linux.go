//go:build linux

package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"

	"github.com/datawire/dlib/dlog"
	"github.com/mullwire/tunneld/internal/tsm"
)

const (
	chainName   = "TUNNELD"
	commentName = "tunneld"
)

// IPTables is the Linux Firewall backend: a dedicated chain jumped to from
// OUTPUT, rewritten idempotently on every Apply so the last write always
// wins (spec §2).
type IPTables struct {
	mu sync.Mutex
	ipt *iptables.IPTables
}

// New returns an IPTables backend, creating the dedicated chain and its
// OUTPUT jump if they do not already exist.
func New() (*IPTables, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("iptables: %w", err)
	}
	f := &IPTables{ipt: ipt}
	if err := f.ensureChain(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *IPTables) ensureChain() error {
	exists, err := f.ipt.ChainExists("filter", chainName)
	if err != nil {
		return genericErr(err)
	}
	if !exists {
		if err := f.ipt.NewChain("filter", chainName); err != nil {
			return genericErr(err)
		}
	}
	rule := []string{"-j", chainName}
	ok, err := f.ipt.Exists("filter", "OUTPUT", rule...)
	if err != nil {
		return genericErr(err)
	}
	if !ok {
		if err := f.ipt.Insert("filter", "OUTPUT", 1, rule...); err != nil {
			return genericErr(err)
		}
	}
	return nil
}

// Apply installs one of the three declarative policies (spec §2, §4.2-4.4)
// by atomically replacing the contents of the dedicated chain.
func (f *IPTables) Apply(ctx context.Context, policy tsm.FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ipt.ClearChain("filter", chainName); err != nil {
		if strings.Contains(err.Error(), "held by another") {
			return lockedErr(err)
		}
		return genericErr(err)
	}

	rules := f.rulesFor(policy)
	for _, r := range rules {
		if err := f.ipt.Append("filter", chainName, r...); err != nil {
			if strings.Contains(err.Error(), "held by another") {
				return lockedErr(err)
			}
			return genericErr(err)
		}
	}
	dlog.Debugf(ctx, "iptables: applied %d rules for policy kind=%d", len(rules), policy.Kind)
	return nil
}

func (f *IPTables) rulesFor(policy tsm.FirewallPolicy) [][]string {
	var rules [][]string
	rules = append(rules, []string{"-o", "lo", "-j", "ACCEPT", "-m", "comment", "--comment", commentName})
	if policy.AllowLan && policy.Kind != tsm.PolicyConnecting {
		for _, net := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
			rules = append(rules, []string{"-d", net, "-j", "ACCEPT", "-m", "comment", "--comment", commentName})
		}
	}
	switch policy.Kind {
	case tsm.PolicyConnecting:
		if policy.PeerEndpoint != "" {
			rules = append(rules, []string{"-d", hostOf(policy.PeerEndpoint), "-j", "ACCEPT", "-m", "comment", "--comment", commentName})
		}
	case tsm.PolicyConnected:
		if policy.TunnelIface != "" {
			rules = append(rules, []string{"-o", policy.TunnelIface, "-j", "ACCEPT", "-m", "comment", "--comment", commentName})
		}
		if policy.PeerEndpoint != "" {
			rules = append(rules, []string{"-d", hostOf(policy.PeerEndpoint), "-j", "ACCEPT", "-m", "comment", "--comment", commentName})
		}
	case tsm.PolicyBlocked:
		// no additional accepts beyond loopback/LAN above
	}
	rules = append(rules, []string{"-j", "DROP", "-m", "comment", "--comment", commentName})
	return rules
}

func hostOf(endpoint string) string {
	if i := strings.LastIndex(endpoint, ":"); i > 0 {
		return endpoint[:i]
	}
	return endpoint
}

// Reset flushes the dedicated chain back to empty, allowing all traffic
// (spec §4.2's Disconnected entry action when block_when_disconnected is
// false).
func (f *IPTables) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ipt.ClearChain("filter", chainName); err != nil {
		return genericErr(err)
	}
	dlog.Debugf(ctx, "iptables: reset chain %s", chainName)
	return nil
}
