// Package tasks manages the lifecycle of long-running agent work.
//
// A task moves through a small state machine:
//
//	submitted → working → completed | failed | canceled
//
// Ids the manager has never seen report StateUnknown. Cancellation is only
// legal from working and is cooperative: the manager flags the task and the
// runner notices through Run.Canceled or Run.Context.
//
// # Basic Usage
//
//	mgr := tasks.NewManager(store, tasks.WithRunner(func(r *tasks.Run) error {
//	    for i := 1; i <= 10; i++ {
//	        if r.Canceled() {
//	            return nil
//	        }
//	        a, _ := tasks.NewArtifact("progress", map[string]float64{"progress": float64(i) / 10})
//	        if err := r.Artifact(a); err != nil {
//	            return err
//	        }
//	    }
//	    return nil
//	}))
//	task, err := mgr.Start(ctx, tasks.StartParams{ID: "job-1"})
//
// # Update Feeds
//
// Subscribe returns a Feed whose first event is the current status. Events
// arrive in emission order and the feed ends after the terminal status, so
// a subscriber that attaches late still sees how the task finished. Each
// feed queues without bound: a slow consumer never stalls the task, and
// closing a feed never affects it.
//
// # Push Notifications
//
// RegisterPush forwards every later event of a task to an address through
// the configured Notifier, one at a time and in order.
//
// # Persistence
//
// Every change is written to the state store. Restore reloads snapshots
// after a restart; tasks that were still working are failed since nothing
// is running them any more.
package tasks
