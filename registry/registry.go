// Package registry holds the routing table of the fabric and resolves
// destinations against it.
//
// Every agent served on a node is registered with its address, the
// capabilities it advertises and the Target through which it is reached:
// the local node itself, or a link toward another node or sentinel.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
)

// Common errors.
var (
	ErrNotFound       = errors.New("route not found")
	ErrClosed         = errors.New("registry closed")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidTarget  = errors.New("invalid target")
)

// TargetKind tells how a registered address is reached.
type TargetKind string

const (
	// TargetLocal is an agent served in this process.
	TargetLocal TargetKind = "local"

	// TargetLink is an agent reached by forwarding over a link.
	TargetLink TargetKind = "link"
)

// Target is a concrete delivery target.
type Target struct {
	Kind TargetKind `json:"kind"`

	// ID names the local node or the link.
	ID string `json:"id"`

	// Hops is the number of links between this node and the agent.
	// Local targets have zero hops.
	Hops int `json:"hops"`
}

// Less orders targets by preference: fewer hops, local before link, then ID.
func (t Target) Less(o Target) bool {
	if t.Hops != o.Hops {
		return t.Hops < o.Hops
	}
	if t.Kind != o.Kind {
		return t.Kind == TargetLocal
	}
	return t.ID < o.ID
}

// Entry is one route: an address reachable through one target.
type Entry struct {
	Address      envelope.Address      `json:"address"`
	Capabilities []envelope.Capability `json:"capabilities,omitempty"`
	Target       Target                `json:"target"`
	Metadata     map[string]string     `json:"metadata,omitempty"`
	LastSeen     time.Time             `json:"last_seen"`
}

// Key identifies the entry within the table.
func (e Entry) Key() string {
	return string(e.Address) + "|" + e.Target.ID
}

// Filter specifies criteria for listing entries.
type Filter struct {
	// Capabilities keeps entries advertising all of these.
	Capabilities []envelope.Capability

	// TargetID keeps entries reached through this target.
	TargetID string

	// Kind keeps entries of this target kind.
	Kind TargetKind
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Entry is the new state, or the last known state for removals.
	Entry Entry
}

// Registry is the routing table. Implementations are safe for concurrent
// registration and lookup.
type Registry interface {
	// Register adds or updates the route for (address, target id).
	Register(entry Entry) error

	// Deregister removes the route for (address, target id).
	// Returns ErrNotFound if it doesn't exist.
	Deregister(addr envelope.Address, targetID string) error

	// DeregisterTarget removes every route through targetID and returns them.
	DeregisterTarget(targetID string) ([]Entry, error)

	// Lookup returns every route for addr, best first.
	// Returns ErrNotFound if there is none.
	Lookup(addr envelope.Address) ([]Entry, error)

	// FindByCapabilities returns routes whose capabilities are a superset of
	// caps, ordered by address then preference.
	FindByCapabilities(caps []envelope.Capability) ([]Entry, error)

	// List returns all routes matching the optional filter, in the same
	// order as FindByCapabilities.
	List(filter *Filter) ([]Entry, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateEntry checks if an entry is valid.
func ValidateEntry(e Entry) error {
	if _, err := envelope.ParseAddress(string(e.Address)); err != nil {
		return ErrInvalidAddress
	}
	if e.Target.ID == "" || (e.Target.Kind != TargetLocal && e.Target.Kind != TargetLink) {
		return ErrInvalidTarget
	}
	if e.Target.Hops < 0 {
		return ErrInvalidTarget
	}
	return nil
}

// HasCapabilities reports whether e advertises every capability in caps.
func HasCapabilities(e Entry, caps []envelope.Capability) bool {
	for _, want := range caps {
		found := false
		for _, have := range e.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchesFilter checks if an entry matches the filter criteria.
func MatchesFilter(e Entry, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if len(filter.Capabilities) > 0 && !HasCapabilities(e, filter.Capabilities) {
		return false
	}
	if filter.TargetID != "" && e.Target.ID != filter.TargetID {
		return false
	}
	if filter.Kind != "" && e.Target.Kind != filter.Kind {
		return false
	}
	return true
}

// SortEntries orders entries by address, then target preference.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Address != entries[j].Address {
			return entries[i].Address < entries[j].Address
		}
		return entries[i].Target.Less(entries[j].Target)
	})
}
