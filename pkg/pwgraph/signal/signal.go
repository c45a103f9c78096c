// Package signal provides synchronous change notifications for objects that
// live on a single event loop goroutine.
package signal

// Signal is a list of handlers invoked in connection order by Emit.
// The zero value is ready to use. It is not safe for concurrent use.
type Signal[T any] struct {
	handlers []*handler[T]
}

type handler[T any] struct {
	fn        func(T)
	connected bool
}

// Connect registers fn and returns a function that disconnects it.
// Disconnecting twice is harmless.
func (s *Signal[T]) Connect(fn func(T)) (disconnect func()) {
	h := &handler[T]{fn: fn, connected: true}
	s.handlers = append(s.handlers, h)

	return func() {
		if !h.connected {
			return
		}

		h.connected = false

		for i, other := range s.handlers {
			if other == h {
				s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
				break
			}
		}
	}
}

// Emit calls every handler connected at the time of the call. Handlers
// disconnected by an earlier handler during the same Emit are skipped.
func (s *Signal[T]) Emit(value T) {
	if len(s.handlers) == 0 {
		return
	}

	snapshot := make([]*handler[T], len(s.handlers))
	copy(snapshot, s.handlers)

	for _, h := range snapshot {
		if h.connected {
			h.fn(value)
		}
	}
}

// Len returns the number of connected handlers.
func (s *Signal[T]) Len() int {
	return len(s.handlers)
}

// Notifier is a Signal without a payload.
type Notifier = Signal[struct{}]

// Notify emits an empty payload on n.
func Notify(n *Notifier) {
	n.Emit(struct{}{})
}
