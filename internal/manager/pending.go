package manager

import (
	"sync"
)

// pendingWrites buffers credential snapshots that could not reach the durable
// store. Entries are kept until a durable write succeeds; a later snapshot for
// the same number replaces the buffered one.
type pendingWrites struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{entries: map[string][]byte{}}
}

func (p *pendingWrites) Set(number string, snapshot []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[number] = snapshot
}

func (p *pendingWrites) Remove(number string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, number)
}

// Entries returns a copy of the buffered snapshots.
func (p *pendingWrites) Entries() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make(map[string][]byte, len(p.entries))
	for number, snapshot := range p.entries {
		entries[number] = snapshot
	}
	return entries
}

func (p *pendingWrites) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
