// Package registry implements the read-only id→record lookup the
// gateway depends on. Client-record storage itself (a database, a
// remote service) is an external collaborator; this package ships the
// interface plus a reference in-memory implementation alongside a
// file-backed one.
package registry

import (
	"context"
	"errors"

	"github.com/signway-gateway/signway/canonical"
)

// ErrNotFound is returned by Lookup when id has no record.
var ErrNotFound = errors.New("registry: client not found")

// HeaderPair is a single name/value pair in a client's header overlay.
// Order is significant: overlay entries are applied in this order on the
// outbound request.
type HeaderPair struct {
	Name  string
	Value string
}

// Record is an immutable per-client record. Secret belongs to the
// registry; callers receive a short-lived reference and must not log it.
type Record struct {
	ID                string
	Secret            []byte
	HeaderOverlay     []HeaderPair
	AllowedHosts      []string // nil means any host is permitted
	AllowedAlgorithms []canonical.Algorithm
}

// AllowsHost reports whether host may be targeted by this record. An
// empty AllowedHosts means unrestricted.
func (r Record) AllowsHost(host string) bool {
	if len(r.AllowedHosts) == 0 {
		return true
	}
	for _, h := range r.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}

// AllowsAlgorithm reports whether alg is acceptable for this record. An
// empty AllowedAlgorithms defaults to the one closed-enumeration value,
// SW1-HMAC-SHA256.
func (r Record) AllowsAlgorithm(alg canonical.Algorithm) bool {
	if len(r.AllowedAlgorithms) == 0 {
		return alg == canonical.SW1HMACSHA256
	}
	for _, a := range r.AllowedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Registry is the core's only dependency on client-record storage.
// Implementations must be safe for concurrent use; lookups should be O(1)
// or close to it, since they sit on every request's hot path.
type Registry interface {
	Lookup(ctx context.Context, id string) (Record, error)
}
