package tunnel

import (
	"sync"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// ConnTracker is the shared, mutex-guarded view of the gateway
// connection. The tunnel writes it; the supervisor and the update flow
// read snapshots.
type ConnTracker struct {
	mu   sync.Mutex
	info types.ConnectionInfo
}

// NewConnTracker returns an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{}
}

// Get copies the current state.
func (t *ConnTracker) Get() types.ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Update applies fn under the lock.
func (t *ConnTracker) Update(fn func(*types.ConnectionInfo)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.info)
}
