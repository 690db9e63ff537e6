package websocket

import "sync"

// atomicFilter is a client's event subscription. The zero value allows every
// event.
type atomicFilter struct {
	mu    sync.RWMutex
	names map[string]bool
}

func (f *atomicFilter) set(events []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(events) == 0 {
		f.names = nil
		return
	}
	f.names = make(map[string]bool, len(events))
	for _, e := range events {
		f.names[e] = true
	}
}

// allows reports whether event passes. Non-event messages ("") always pass.
func (f *atomicFilter) allows(event string) bool {
	if event == "" {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.names == nil || f.names[event]
}
