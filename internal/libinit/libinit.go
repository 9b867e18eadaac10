// Package libinit reference-counts process-wide native runtime
// initialization (GStreamer, ONNX Runtime environment).
//
// Every source or session acquires the runtime when it opens and releases
// it when it closes. Init runs on the first acquire; Teardown runs only
// when the last holder releases, so one closing camera cannot pull the
// runtime out from under another.
package libinit

import (
	"fmt"
	"log/slog"
	"sync"
)

// Library is a reference-counted process-wide runtime.
type Library struct {
	// Name is used in logs and errors
	Name string
	// Init brings the runtime up. Called on the 0 -> 1 transition.
	Init func() error
	// Teardown releases the runtime. Called on the 1 -> 0 transition.
	// Nil means the runtime stays up for the life of the process.
	Teardown func() error

	mu   sync.Mutex
	refs int
}

// Acquire takes one reference, initializing the runtime if needed.
//
// If Init fails the reference is not taken and a later Acquire retries.
func (l *Library) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 && l.Init != nil {
		if err := l.Init(); err != nil {
			return fmt.Errorf("libinit: %s init failed: %w", l.Name, err)
		}
		slog.Debug("libinit: runtime initialized", "library", l.Name)
	}

	l.refs++
	return nil
}

// Release drops one reference. The last release tears the runtime down.
//
// Releasing with no references held is a no-op.
func (l *Library) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs == 0 {
		slog.Warn("libinit: release without matching acquire", "library", l.Name)
		return nil
	}

	l.refs--
	if l.refs > 0 || l.Teardown == nil {
		return nil
	}

	if err := l.Teardown(); err != nil {
		return fmt.Errorf("libinit: %s teardown failed: %w", l.Name, err)
	}
	slog.Debug("libinit: runtime torn down", "library", l.Name)
	return nil
}

// Refs returns the number of live references.
func (l *Library) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}
