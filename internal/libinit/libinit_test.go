package libinit

import (
	"errors"
	"sync"
	"testing"
)

func TestLibrary_InitOnceTeardownLast(t *testing.T) {
	var inits, teardowns int
	lib := &Library{
		Name:     "test",
		Init:     func() error { inits++; return nil },
		Teardown: func() error { teardowns++; return nil },
	}

	// Two cameras open
	if err := lib.Acquire(); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	if err := lib.Acquire(); err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if inits != 1 {
		t.Errorf("inits = %d, want 1", inits)
	}

	// First camera closes: runtime must stay up
	if err := lib.Release(); err != nil {
		t.Fatalf("Release 1: %v", err)
	}
	if teardowns != 0 {
		t.Fatalf("teardown ran while a holder remains")
	}

	// Last camera closes
	if err := lib.Release(); err != nil {
		t.Fatalf("Release 2: %v", err)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}

	// Extra release is harmless
	if err := lib.Release(); err != nil {
		t.Errorf("extra Release: %v", err)
	}
	if lib.Refs() != 0 {
		t.Errorf("Refs = %d, want 0", lib.Refs())
	}

	// Re-acquire re-initializes
	if err := lib.Acquire(); err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if inits != 2 {
		t.Errorf("inits = %d after re-acquire, want 2", inits)
	}

	t.Log("✅ Runtime initialized on first acquire, torn down on last release")
}

func TestLibrary_InitFailureNotCounted(t *testing.T) {
	fail := true
	lib := &Library{
		Name: "flaky",
		Init: func() error {
			if fail {
				return errors.New("boom")
			}
			return nil
		},
	}

	if err := lib.Acquire(); err == nil {
		t.Fatal("Expected init error")
	}
	if lib.Refs() != 0 {
		t.Fatalf("Refs = %d after failed init, want 0", lib.Refs())
	}

	fail = false
	if err := lib.Acquire(); err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	if lib.Refs() != 1 {
		t.Errorf("Refs = %d, want 1", lib.Refs())
	}
}

func TestLibrary_ConcurrentHolders(t *testing.T) {
	var mu sync.Mutex
	var inits, teardowns int
	lib := &Library{
		Name:     "concurrent",
		Init:     func() error { mu.Lock(); inits++; mu.Unlock(); return nil },
		Teardown: func() error { mu.Lock(); teardowns++; mu.Unlock(); return nil },
	}

	if err := lib.Acquire(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lib.Acquire(); err != nil {
				t.Error(err)
				return
			}
			if err := lib.Release(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if teardowns != 0 {
		t.Errorf("teardown ran while the outer holder was alive")
	}
	if inits != 1 {
		t.Errorf("inits = %d, want 1", inits)
	}

	if err := lib.Release(); err != nil {
		t.Fatal(err)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}
}
