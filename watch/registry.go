// Package watch tracks which channel identifiers each websocket protocol
// should be subscribed to. A Registry holds two disjoint sets per protocol:
// channels awaiting subscription and channels confirmed listening. Command
// handlers enqueue on one side; the connection loop drains on the other.
package watch

import "sync"

// Protocol selects which websocket client a channel watch belongs to.
type Protocol int

const (
	// StreamStatus is the Twitch EventSub stream live/offline/update feed.
	StreamStatus Protocol = iota
	// EmoteSet is the 7TV EventAPI emote_set.update feed.
	EmoteSet
)

func (p Protocol) String() string {
	switch p {
	case StreamStatus:
		return "stream_status"
	case EmoteSet:
		return "emote_set"
	default:
		return "unknown"
	}
}

// Registry is the shared subscription state for one protocol. All operations
// hold the mutex only for the duration of the set manipulation; no I/O ever
// happens under the lock. Invariant: awaiting and listening are disjoint.
type Registry struct {
	mu        sync.Mutex
	awaiting  map[string]struct{}
	listening map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		awaiting:  make(map[string]struct{}),
		listening: make(map[string]struct{}),
	}
}

// Enqueue requests a subscription for id. A channel already confirmed
// listening is not re-enqueued.
func (r *Registry) Enqueue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listening[id]; ok {
		return
	}
	r.awaiting[id] = struct{}{}
}

// DrainAwaiting atomically removes and returns every awaiting id. The caller
// is responsible for moving each successfully subscribed id into the
// listening set via MarkListening; a failed id should be re-enqueued.
func (r *Registry) DrainAwaiting() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.awaiting) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.awaiting))
	for id := range r.awaiting {
		ids = append(ids, id)
	}
	r.awaiting = make(map[string]struct{})
	return ids
}

// MarkListening records a confirmed subscription for id.
func (r *Registry) MarkListening(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.awaiting, id)
	r.listening[id] = struct{}{}
}

// Requeue moves a single id from listening back to awaiting. Used when the
// server revokes one channel's subscription without dropping the session.
func (r *Registry) Requeue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listening, id)
	r.awaiting[id] = struct{}{}
}

// RequeueAllListening moves every listening id back to awaiting. Used when a
// disconnect invalidates the server-side subscription state.
func (r *Registry) RequeueAllListening() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.listening {
		r.awaiting[id] = struct{}{}
	}
	r.listening = make(map[string]struct{})
}

// Counts returns the current sizes of the awaiting and listening sets.
func (r *Registry) Counts() (awaiting, listening int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiting), len(r.listening)
}

// IsListening reports whether id currently has a confirmed subscription.
func (r *Registry) IsListening(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listening[id]
	return ok
}

// Hub bundles the per-protocol registries and is the only write entry point
// into subscription state from outside the connection loops.
type Hub struct {
	streamStatus *Registry
	emoteSet     *Registry
}

// NewHub creates a hub with one empty registry per protocol.
func NewHub() *Hub {
	return &Hub{
		streamStatus: NewRegistry(),
		emoteSet:     NewRegistry(),
	}
}

// Registry returns the registry for the given protocol.
func (h *Hub) Registry(p Protocol) *Registry {
	if p == EmoteSet {
		return h.emoteSet
	}
	return h.streamStatus
}

// EnqueueWatch requests event monitoring for a channel id on one protocol.
func (h *Hub) EnqueueWatch(p Protocol, id string) {
	h.Registry(p).Enqueue(id)
}
