package handler_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/ramigrate/internal/handler"
)

func TestRamHandlerAlwaysRunsFirst(t *testing.T) {
	t.Parallel()

	r := handler.NewRegistry()

	var order []string

	r.Register("net", handler.Callbacks{
		Setup: func() error { order = append(order, "net"); return nil },
	})
	r.Register("ram", handler.Callbacks{
		Setup: func() error { order = append(order, "ram"); return nil },
	})
	r.Register("disk", handler.Callbacks{
		Setup: func() error { order = append(order, "disk"); return nil },
	})

	if err := r.RunSetup(); err != nil {
		t.Fatalf("RunSetup: %v", err)
	}

	want := []string{"ram", "net", "disk"}

	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunIterateAggregatesConvergence(t *testing.T) {
	t.Parallel()

	r := handler.NewRegistry()

	r.Register("ram", handler.Callbacks{
		Iterate: func() (bool, error) { return true, nil },
	})
	r.Register("net", handler.Callbacks{
		Iterate: func() (bool, error) { return false, nil },
	})

	converged, err := r.RunIterate()
	if err != nil {
		t.Fatalf("RunIterate: %v", err)
	}

	if converged {
		t.Fatal("RunIterate reported converged=true when one handler was not ready")
	}
}

var errBoom = errors.New("boom")

func TestRunSetupPropagatesError(t *testing.T) {
	t.Parallel()

	r := handler.NewRegistry()

	r.Register("net", handler.Callbacks{
		Setup: func() error { return errBoom },
	})

	if err := r.RunSetup(); !errors.Is(err, errBoom) {
		t.Fatalf("RunSetup error = %v, want wrapped errBoom", err)
	}
}

func TestRunLoadRunsRamFirst(t *testing.T) {
	t.Parallel()

	r := handler.NewRegistry()

	var order []string

	r.Register("disk", handler.Callbacks{
		Load: func(uint32) error { order = append(order, "disk"); return nil },
	})
	r.Register("ram", handler.Callbacks{
		Load: func(uint32) error { order = append(order, "ram"); return nil },
	})

	if err := r.RunLoad(4); err != nil {
		t.Fatalf("RunLoad: %v", err)
	}

	if len(order) != 2 || order[0] != "ram" {
		t.Fatalf("order = %v, want ram first", order)
	}
}

func TestRunCancelIsSafeWithoutSetup(t *testing.T) {
	t.Parallel()

	r := handler.NewRegistry()

	called := false

	r.Register("ram", handler.Callbacks{
		Cancel: func() { called = true },
	})

	r.RunCancel()

	if !called {
		t.Fatal("RunCancel did not invoke the registered callback")
	}
}
