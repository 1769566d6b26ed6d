// Package state provides persisted agent state for fabric nodes.
//
// StateStore is a byte-level key-value store with optional per-key TTL.
// Four backends implement it:
//
//   - MemoryStore: in-process, lost on exit (tests, ephemeral agents)
//   - SQLiteStore: a local file, survives restarts (default for nodes)
//   - NATSStore: JetStream KV, shared by nodes on one NATS cluster
//   - RedisStore: Redis hashes, shared by nodes on one Redis
//
// Two typed views sit on top of any backend. Guard holds one value and
// grants exclusive access to it in arrival order; releasing the handle
// writes the value back. KV is a namespaced collection of timestamped
// records.
//
// # Usage
//
//	store, _ := state.NewSQLiteStore(".fabric/state.db")
//
//	counter, _ := state.NewGuard(store, "agent.counter", Counter{})
//	_ = counter.Update(ctx, func(c *Counter) error {
//	    c.Value++
//	    return nil
//	})
//
//	notes, _ := state.NewKV[Note](store, "notes")
//	notes.Set("k1", Note{Text: "hello"})
//	all, _ := notes.List()
package state
