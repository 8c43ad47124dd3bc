// Package firewall adapts the tsm.Firewall contract to platform backends.
package firewall

import (
	"github.com/mullwire/tunneld/internal/tsm"
)

// PolicyError wraps a backend failure with the typed sub-classification
// spec §6 calls for so the TSM can distinguish "some other app is holding
// the firewall lock" from a generic apply failure.
type PolicyError struct {
	Kind tsm.FirewallPolicyErrorKind
	Err  error
}

func (e *PolicyError) Error() string { return e.Err.Error() }
func (e *PolicyError) Unwrap() error { return e.Err }

// FirewallKind satisfies tsm's firewallDetail interface so the TSM can
// recover Kind via errors.As without internal/tsm importing this package.
func (e *PolicyError) FirewallKind() tsm.FirewallPolicyErrorKind { return e.Kind }

func genericErr(err error) error {
	return &PolicyError{Kind: tsm.FirewallErrGeneric, Err: err}
}

func lockedErr(err error) error {
	return &PolicyError{Kind: tsm.FirewallErrLockedByAnotherApplication, Err: err}
}
