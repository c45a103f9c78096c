package graph

import (
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// Referenceable is a reference counted graph object that announces its removal.
type Referenceable interface {
	Ref()
	Unref()
	OnDestroying(fn func()) (disconnect func())
}

// ObjectRef holds a reference on a graph object across event loop turns.
// It refs what it is given, unrefs what it lets go of, and empties itself
// without unreffing when the object is removed from the graph.
type ObjectRef[T Referenceable] struct {
	obj        T
	held       bool
	disconnect func()

	// Dropped fires when the held object is removed from the graph.
	Dropped signal.Notifier
}

// Get returns the held object and whether there is one.
func (r *ObjectRef[T]) Get() (T, bool) {
	return r.obj, r.held
}

// Set replaces the held object. Setting a nil pointer clears the holder.
func (r *ObjectRef[T]) Set(obj T) {
	if r.held && any(r.obj) == any(obj) {
		return
	}

	r.Clear()

	var zero T
	if any(obj) == any(zero) {
		return
	}

	obj.Ref()

	r.obj = obj
	r.held = true
	r.disconnect = obj.OnDestroying(r.drop)
}

// Clear releases the held object, if any.
func (r *ObjectRef[T]) Clear() {
	if !r.held {
		return
	}

	obj := r.obj
	r.release()
	obj.Unref()
}

func (r *ObjectRef[T]) release() {
	var zero T

	r.disconnect()
	r.disconnect = nil
	r.obj = zero
	r.held = false
}

func (r *ObjectRef[T]) drop() {
	r.release()
	signal.Notify(&r.Dropped)
}
