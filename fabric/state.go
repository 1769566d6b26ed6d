package fabric

import (
	"fmt"

	"github.com/vinayprograms/agentfabric/envelope"
	"github.com/vinayprograms/agentfabric/state"
)

// State returns the guard over the value named name that the agent at addr
// keeps in the node's store. Every caller asking for the same agent and
// name shares one guard, so concurrent handlers take turns. initial is used
// until a value has been stored.
func State[T any](f *Fabric, addr envelope.Address, name string, initial T) (*state.Guard[T], error) {
	key := state.AgentKey(string(addr), name)

	f.guardsMu.Lock()
	defer f.guardsMu.Unlock()
	if g, ok := f.guards[key]; ok {
		typed, ok := g.(*state.Guard[T])
		if !ok {
			return nil, fmt.Errorf("state %q of %s already opened with another type", name, addr)
		}
		return typed, nil
	}
	g, err := state.NewGuard[T](f.store, key, initial)
	if err != nil {
		return nil, err
	}
	f.guards[key] = g
	return g, nil
}

// Records returns the namespace ns of the agent at addr as a typed
// key-value store. Namespaces of different agents never overlap.
func Records[T any](f *Fabric, addr envelope.Address, ns string) (*state.KV[T], error) {
	return state.NewKV[T](f.store, state.AddressSegment(string(addr))+":"+ns)
}
