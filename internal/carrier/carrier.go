// Package carrier holds the per-service tuning side of the scheduling core:
// sliding-window rate limiting, retry/backoff policy, authentication
// circuit-breaker state, and per-carrier metrics.
//
// One Profile exists per backend. All mutable profile state is guarded by a
// single mutex per profile; the scheduler loop, dispatch goroutines, and the
// housekeeper all go through the exported methods.
package carrier

import (
	"fmt"
	"strings"
)

// ID identifies one of the supported tracking backends.
//
// The set is closed on purpose: carrier-specific behavior is selected by a
// registry lookup on this enum, never by matching service names at runtime.
type ID int

const (
	UPS ID = iota
	FedEx
	USPS
	DHL
)

var idNames = map[ID]string{
	UPS:   "ups",
	FedEx: "fedex",
	USPS:  "usps",
	DHL:   "dhl",
}

func (id ID) String() string {
	if n, ok := idNames[id]; ok {
		return n
	}
	return fmt.Sprintf("carrier(%d)", int(id))
}

// ParseID maps a config/service name onto an ID.
func ParseID(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ups":
		return UPS, nil
	case "fedex":
		return FedEx, nil
	case "usps":
		return USPS, nil
	case "dhl":
		return DHL, nil
	default:
		return 0, fmt.Errorf("unknown carrier %q", s)
	}
}

// IDs returns all supported carriers in a stable order.
func IDs() []ID { return []ID{UPS, FedEx, USPS, DHL} }

// Registry maps carrier IDs to their profiles.
//
// It is populated once at startup and read-only afterwards; profile state
// itself stays mutable behind each profile's lock.
type Registry struct {
	m map[ID]*Profile
}

func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{m: make(map[ID]*Profile, len(profiles))}
	for _, p := range profiles {
		if p != nil {
			r.m[p.ID()] = p
		}
	}
	return r
}

func (r *Registry) Get(id ID) (*Profile, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.m[id]
	return p, ok
}

func (r *Registry) All() []*Profile {
	if r == nil {
		return nil
	}
	out := make([]*Profile, 0, len(r.m))
	for _, id := range IDs() {
		if p, ok := r.m[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
