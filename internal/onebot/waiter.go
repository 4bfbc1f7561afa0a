package onebot

import (
	"sync"

	"github.com/kestrelbots/sithra/internal/protocol"
)

// EchoWaiter correlates an outbound OneBot action call with its upstream
// reply by echo id, mirroring internal/client.Client's pending-map /
// entry-guard pattern — but scoped to the WebSocket round trip instead of
// the internal datapack bus, since that round trip is the only
// correlation need here.
type EchoWaiter struct {
	mu      sync.Mutex
	pending map[protocol.ID]chan *protocol.Datapack
}

// NewEchoWaiter builds an empty EchoWaiter.
func NewEchoWaiter() *EchoWaiter {
	return &EchoWaiter{pending: make(map[protocol.ID]chan *protocol.Datapack)}
}

// Register reserves id and returns the channel its reply will arrive on.
// Callers must pair this with Cancel (typically via defer) so a
// request that never gets a reply does not leak the map entry.
func (w *EchoWaiter) Register(id protocol.ID) <-chan *protocol.Datapack {
	ch := make(chan *protocol.Datapack, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()
	return ch
}

// Cancel removes id's pending entry without resolving it. A no-op if id
// was already resolved or never registered.
func (w *EchoWaiter) Cancel(id protocol.ID) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Resolve delivers pkt to id's waiter, if one is registered, returning
// whether a waiter was found.
func (w *EchoWaiter) Resolve(id protocol.ID, pkt *protocol.Datapack) bool {
	w.mu.Lock()
	ch, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if ok {
		ch <- pkt
	}
	return ok
}
