// Package guardian defines the admission-filter collaborator interface. The
// real filter (IP/address allow-lists, proof-capability checks) lives
// outside this node's scope; this package only fixes the contract the
// listener and REST ingress call against, plus a permissive default used
// when no filter is configured.
package guardian

import "github.com/coriumlabs/compute-node/pkg/message"

// Admitter decides whether an inbound message is allowed to reach the
// processor.
type Admitter interface {
	// Admit returns (true, nil) to forward msg, (false, nil) to silently
	// drop it, or a non-nil error for a filter-internal failure (also
	// treated as a drop by callers).
	Admit(msg message.Message) (bool, error)
}

// AllowAll is the permissive default: every message is admitted. Used when
// the node is configured without an allow-list filter.
type AllowAll struct{}

// Admit always returns (true, nil).
func (AllowAll) Admit(message.Message) (bool, error) { return true, nil }

var _ Admitter = AllowAll{}
