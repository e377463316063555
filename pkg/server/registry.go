package server

import "sync"

// Registry is the process-wide map of channel name to the local sessions
// subscribed to it. It is written on authenticate, create, join,
// withdrawal and disconnect, and read by the dispatcher on every bus
// event.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[*Session]struct{})}
}

// Add subscribes sess to channel. Adding twice is a no-op.
func (r *Registry) Add(channel string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[channel]
	if !ok {
		set = make(map[*Session]struct{})
		r.channels[channel] = set
	}
	set[sess] = struct{}{}
}

// Remove unsubscribes sess from channel.
func (r *Registry) Remove(channel string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(r.channels, channel)
	}
}

// RemoveSession unsubscribes sess from every channel it appears in.
func (r *Registry) RemoveSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channel, set := range r.channels {
		delete(set, sess)
		if len(set) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Sessions returns a point-in-time copy of the channel's subscriber set,
// safe to iterate while the registry keeps changing.
func (r *Registry) Sessions(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[channel]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of sessions subscribed to channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels[channel])
}
