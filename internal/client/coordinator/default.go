package coordinator

import "sync"

var (
	defaultMu          sync.Mutex
	defaultCoordinator *Coordinator
)

// Default returns the process-wide coordinator, creating it on first use.
func Default() *Coordinator {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCoordinator == nil {
		defaultCoordinator = New()
	}
	return defaultCoordinator
}

// Shutdown closes the process-wide coordinator. The next call to Default starts a fresh one.
func Shutdown() {
	defaultMu.Lock()
	c := defaultCoordinator
	defaultCoordinator = nil
	defaultMu.Unlock()

	if c != nil {
		c.Close()
	}
}
