package inmem

import (
	"fmt"
	"sync"

	"goa.design/loom/store"
)

// Dispatcher is the in-process handle table. Components register their
// scheduled entry points at assembly time; handles are stable wiring-time
// constants, so duplicate registration panics.
type Dispatcher struct {
	mu  sync.RWMutex
	fns map[string]store.Func
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{fns: make(map[string]store.Func)}
}

// Register binds handle to fn.
func (d *Dispatcher) Register(handle string, fn store.Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fns[handle]; ok {
		panic(fmt.Sprintf("inmem: handle %q registered twice", handle))
	}
	d.fns[handle] = fn
}

// Lookup resolves a handle.
func (d *Dispatcher) Lookup(handle string) (store.Func, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.fns[handle]
	return fn, ok
}
