// Package shutdown runs a process's teardown in ordered phases.
//
// Fabric nodes and sentinels register their parts under the phase constants
// so that a node stops taking work before its link closes, its link closes
// before pending deliveries are abandoned, and stores close last:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("listeners", shutdown.PhaseListeners, closeListeners)
//	coord.RegisterFunc("links", shutdown.PhaseLinks, closeLinks)
//	coord.RegisterFunc("store", shutdown.PhaseStores, func(context.Context) error {
//		return store.Close()
//	})
//	stop := coord.HandleSignals()
//	defer stop()
//	<-coord.Done()
//
// Handlers of one phase run concurrently and share the shutdown budget.
// With ContinueOnError a failing handler does not stop later phases; the
// Result lists what failed.
package shutdown
