package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPhasesRunInOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	coord.RegisterFunc("store", PhaseStores, record("store"))
	coord.RegisterFunc("listeners", PhaseListeners, record("listeners"))
	coord.RegisterFunc("links", PhaseLinks, record("links"))
	coord.RegisterFunc("work", PhaseWork, record("work"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	want := []string{"listeners", "links", "work", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	coord.RegisterFunc("a", PhaseWork, slow)
	coord.RegisterFunc("b", PhaseWork, slow)

	start := time.Now()
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("took %v, handlers did not overlap", elapsed)
	}
}

func TestContinueOnError(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	later := false
	coord.RegisterFunc("broken", PhaseLinks, func(context.Context) error {
		return errors.New("boom")
	})
	coord.RegisterFunc("store", PhaseStores, func(context.Context) error {
		later = true
		return nil
	})

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("Shutdown error = %v, want ErrHandlerFailed", err)
	}
	if !later {
		t.Error("later phase did not run")
	}
	res := coord.Result()
	if res == nil || !res.Failed() {
		t.Fatal("result should report failure")
	}
	if failed := res.FailedHandlers(); len(failed) != 1 || failed[0] != "broken" {
		t.Errorf("FailedHandlers = %v, want [broken]", failed)
	}
}

func TestStopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	coord := NewCoordinator(cfg)

	later := false
	coord.RegisterFunc("broken", PhaseLinks, func(context.Context) error {
		return errors.New("boom")
	})
	coord.RegisterFunc("store", PhaseStores, func(context.Context) error {
		later = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("Shutdown error = %v, want ErrHandlerFailed", err)
	}
	if later {
		t.Error("later phase ran after a failure")
	}
}

func TestTimeoutSkipsRemainingPhases(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	later := false
	coord.RegisterFunc("slow", PhaseWork, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	coord.RegisterFunc("store", PhaseStores, func(context.Context) error {
		later = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Shutdown error = %v, want ErrTimeout", err)
	}
	if later {
		t.Error("phase after the deadline ran")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.RegisterFunc("once", PhaseWork, func(context.Context) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return errors.New("boom")
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = coord.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
	for i, err := range errs {
		if !errors.Is(err, ErrHandlerFailed) {
			t.Errorf("call %d error = %v, want ErrHandlerFailed", i, err)
		}
	}
	select {
	case <-coord.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestResultBeforeShutdown(t *testing.T) {
	coord := NewCoordinator(Config{})
	if coord.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}
	if coord.Err() != nil {
		t.Error("Err before shutdown should be nil")
	}
	if coord.config.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", coord.config.Timeout)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{Timeout: -1}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative timeout error = %v", err)
	}
}

func TestGroupByPhase(t *testing.T) {
	if groups := groupByPhase(nil); len(groups) != 0 {
		t.Errorf("empty input gave %d groups", len(groups))
	}
	groups := groupByPhase([]registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 20},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Errorf("groups = %v", groups)
	}
}
