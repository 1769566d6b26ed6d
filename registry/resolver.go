package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
)

// SelectionPolicy picks one agent among several capability matches.
type SelectionPolicy string

const (
	// SelectFirst always picks the first match in address order.
	SelectFirst SelectionPolicy = "first"

	// SelectRoundRobin rotates through the matches of each capability set.
	// The rotation restarts when the set of matching addresses changes.
	SelectRoundRobin SelectionPolicy = "round_robin"
)

// Match is a resolved destination: an address and the target to deliver it
// through.
type Match struct {
	Address envelope.Address
	Target  Target

	// Fallback is set when the target came from the fallback hook rather
	// than the routing table.
	Fallback bool
}

// MemberResult is the resolution of one broadcast member.
type MemberResult struct {
	Address envelope.Address
	Match   Match
	Err     error
}

// FallbackFunc returns the next hop for a destination with no local match,
// typically an upstream sentinel link.
type FallbackFunc func(dest envelope.Destination) (Target, bool)

// Resolver maps destinations to targets. Resolution is a pure function of a
// routing table snapshot, apart from the round-robin cursor.
type Resolver struct {
	reg      Registry
	policy   SelectionPolicy
	fallback FallbackFunc

	mu      sync.Mutex
	cursors map[string]*rrCursor
}

type rrCursor struct {
	set  string
	next int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPolicy sets the capability selection policy.
func WithPolicy(p SelectionPolicy) ResolverOption {
	return func(r *Resolver) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithFallback sets the hook used when nothing matches locally.
func WithFallback(fn FallbackFunc) ResolverOption {
	return func(r *Resolver) { r.fallback = fn }
}

// NewResolver creates a resolver over reg.
func NewResolver(reg Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		reg:     reg,
		policy:  SelectFirst,
		cursors: make(map[string]*rrCursor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the selection policy in effect.
func (r *Resolver) Policy() SelectionPolicy {
	return r.policy
}

// Resolve returns every target for dest.
//
// A direct address yields its best route or fails with UNKNOWN_ADDRESS. A
// capability set yields the best route of every address whose capabilities
// are a superset, in address order, or fails with NO_CAPABLE_AGENT. A
// broadcast list yields the matches of the members that resolve, in list
// order; use ResolveBroadcast for per-member failures.
func (r *Resolver) Resolve(dest envelope.Destination) ([]Match, error) {
	switch dest.Kind() {
	case envelope.DestAddress:
		m, err := r.resolveAddress(dest.Address)
		if err != nil {
			return nil, err
		}
		return []Match{m}, nil
	case envelope.DestCapabilities:
		return r.resolveCapabilities(dest)
	case envelope.DestBroadcast:
		var out []Match
		for _, res := range r.ResolveBroadcast(dest.Broadcast) {
			if res.Err == nil {
				out = append(out, res.Match)
			}
		}
		return out, nil
	}
	return nil, ferrors.InvalidInput(dest.Validate().Error())
}

// ResolveBroadcast resolves each member independently, preserving order.
func (r *Resolver) ResolveBroadcast(addrs []envelope.Address) []MemberResult {
	out := make([]MemberResult, len(addrs))
	for i, a := range addrs {
		m, err := r.resolveAddress(a)
		out[i] = MemberResult{Address: a, Match: m, Err: err}
	}
	return out
}

// Select resolves dest to exactly one target, applying the selection policy
// to capability matches. Broadcast destinations cannot be selected.
func (r *Resolver) Select(dest envelope.Destination) (Match, error) {
	switch dest.Kind() {
	case envelope.DestAddress:
		return r.resolveAddress(dest.Address)
	case envelope.DestCapabilities:
		matches, err := r.resolveCapabilities(dest)
		if err != nil {
			return Match{}, err
		}
		return r.pick(dest.Capabilities, matches), nil
	case envelope.DestBroadcast:
		return Match{}, ferrors.InvalidInput("broadcast destination has no single target")
	}
	return Match{}, ferrors.InvalidInput("invalid destination")
}

func (r *Resolver) resolveAddress(addr envelope.Address) (Match, error) {
	entries, err := r.reg.Lookup(addr)
	if err == nil {
		return Match{Address: addr, Target: entries[0].Target}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Match{}, ferrors.Wrap(err, "lookup "+string(addr))
	}
	if t, ok := r.fallbackFor(envelope.ToAddress(addr)); ok {
		return Match{Address: addr, Target: t, Fallback: true}, nil
	}
	return Match{}, ferrors.UnknownAddress(string(addr))
}

func (r *Resolver) resolveCapabilities(dest envelope.Destination) ([]Match, error) {
	entries, err := r.reg.FindByCapabilities(dest.Capabilities)
	if err != nil {
		return nil, ferrors.Wrap(err, "find by capabilities")
	}
	// entries are sorted by address then preference; keep the first per address.
	var out []Match
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Address == e.Address {
			continue
		}
		out = append(out, Match{Address: e.Address, Target: e.Target})
	}
	if len(out) > 0 {
		return out, nil
	}
	if t, ok := r.fallbackFor(dest); ok {
		return []Match{{Target: t, Fallback: true}}, nil
	}
	return nil, ferrors.NoCapableAgent(capStrings(dest.Capabilities))
}

func (r *Resolver) fallbackFor(dest envelope.Destination) (Target, bool) {
	if r.fallback == nil {
		return Target{}, false
	}
	return r.fallback(dest)
}

func (r *Resolver) pick(caps []envelope.Capability, matches []Match) Match {
	if r.policy != SelectRoundRobin || len(matches) == 1 {
		return matches[0]
	}

	key := capsKey(caps)
	addrs := make([]string, len(matches))
	for i, m := range matches {
		addrs[i] = string(m.Address)
	}
	set := strings.Join(addrs, ",")

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[key]
	if !ok || c.set != set {
		c = &rrCursor{set: set}
		r.cursors[key] = c
	}
	m := matches[c.next%len(matches)]
	c.next++
	return m
}

// capsKey is order-insensitive so {a,b} and {b,a} share a cursor.
func capsKey(caps []envelope.Capability) string {
	s := capStrings(caps)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func capStrings(caps []envelope.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}
