// Package heartbeat provides node liveness detection for the fabric.
//
// # Overview
//
// Nodes attached to a sentinel over a message bus have no connection the
// sentinel could watch, so they announce themselves periodically. The
// sentinel runs a Monitor and withdraws the routes of nodes that fall
// silent.
//
//	┌─────────────┐  fabric.heartbeat.<node-id>  ┌─────────────┐
//	│   Sender    │ ───────────────────────────> │   Monitor   │
//	│   (node)    │                              │ (sentinel)  │
//	└─────────────┘                              └─────────────┘
//
// # Usage
//
// Sending heartbeats from a node:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      b,
//	    NodeID:   "node-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.SetAgents([]envelope.Address{"math@node-1"})
//	sender.Start(ctx)
//
// Monitoring from a sentinel:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnDead(func(nodeID string) {
//	    sentinel.DetachNode(nodeID)
//	})
//	monitor.Start()
//
// Dead callbacks fire once per silence; a node that resumes sending fires
// the alive callbacks again.
package heartbeat
