// Package graph keeps a local mirror of the PipeWire object graph. Every
// type in it lives on the goroutine that drives the bridge's Poll.
package graph

import (
	"math"

	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// InvalidID is the id of an object that has been removed from the graph.
const InvalidID uint32 = math.MaxUint32

// Bridge is the connection the graph is mirrored from. *pw.Conn implements it.
type Bridge interface {
	IsValid() bool
	Sync(id uint32) int32
	OnSynced(fn func(pw.SyncDone)) (disconnect func())
	OnPolled(fn func()) (disconnect func())
	SetRegistryEvents(events pw.RegistryEvents)

	BindNode(id uint32, events pw.NodeEvents) (pw.ParamProxy, error)
	BindDevice(id uint32, events pw.DeviceEvents) (pw.ParamProxy, error)
	BindLink(id uint32, events pw.LinkEvents) (pw.Proxy, error)
	BindMetadata(id uint32, events pw.MetadataEvents) (pw.MetadataProxy, error)
}

// RemoteObject is a server global mirrored by the registry. It is only bound
// to the server, and only receives updates, while referenced.
type RemoteObject interface {
	Referenceable

	ID() uint32
	Permissions() uint32
	Bound() bool
}

// binder is implemented by every concrete object type.
type binder interface {
	// bindProxy binds the server global and installs the event listener.
	bindProxy(bridge Bridge, id uint32) (pw.Proxy, error)

	// unbindHooks drops state that is only valid while bound.
	unbindHooks()
}

// bindable owns the reference count shared by all remote objects. The proxy
// is non-nil exactly when refcount is positive.
type bindable struct {
	logger   *zap.SugaredLogger
	registry *Registry
	self     binder

	id          uint32
	permissions uint32
	refcount    int
	proxy       pw.Proxy

	// failedRefs counts references whose bind failed. They are released
	// silently so the refcount itself can stay at zero.
	failedRefs int

	// destroyed is set before destroying fires. safeDestroy has released
	// every reference by then, so later Unrefs are no-ops.
	destroyed  bool
	destroying signal.Notifier
}

func (b *bindable) init(registry *Registry, self binder, logger *zap.SugaredLogger, id, permissions uint32) {
	b.registry = registry
	b.self = self
	b.logger = logger.With("id", id)
	b.id = id
	b.permissions = permissions
}

// ID returns the server id, or InvalidID once the object was removed.
func (b *bindable) ID() uint32 {
	return b.id
}

// Permissions returns the permission bits the server granted for the global.
func (b *bindable) Permissions() uint32 {
	return b.permissions
}

// Bound reports whether the object is currently bound.
func (b *bindable) Bound() bool {
	return b.proxy != nil
}

// Ref adds a reference, binding the object on the first one.
func (b *bindable) Ref() {
	if b.destroyed {
		b.logger.DPanic("Ref called on a destroyed object")
		return
	}

	b.refcount++
	if b.refcount == 1 {
		b.bind()
	}
}

// Unref drops a reference, unbinding the object on the last one.
func (b *bindable) Unref() {
	if b.destroyed {
		return
	}

	if b.refcount == 0 && b.failedRefs > 0 {
		b.failedRefs--
		return
	}

	if b.refcount == 0 {
		b.logger.DPanic("Unref called on an object with no references")
		return
	}

	b.refcount--
	if b.refcount == 0 {
		b.unbind()
	}
}

// OnDestroying registers fn to run when the object leaves the graph.
func (b *bindable) OnDestroying(fn func()) (disconnect func()) {
	return b.destroying.Connect(func(struct{}) { fn() })
}

func (b *bindable) bind() {
	bridge := b.registry.bridge
	if !bridge.IsValid() {
		b.logger.Warn("Cannot bind object without a PipeWire connection")
		b.failedRefs += b.refcount
		b.refcount = 0

		return
	}

	proxy, err := b.self.bindProxy(bridge, b.id)
	if err != nil {
		b.logger.Warnw("Failed to bind object", "error", err)
		b.failedRefs += b.refcount
		b.refcount = 0

		return
	}

	b.proxy = proxy
	b.logger.Debug("Bound object")
}

func (b *bindable) unbind() {
	if b.proxy == nil {
		return
	}

	b.self.unbindHooks()
	b.proxy.Destroy()
	b.proxy = nil

	b.logger.Debug("Unbound object")
}

// safeDestroy runs once, when the server removes the global. Holders drop
// the object from their OnDestroying handlers.
func (b *bindable) safeDestroy() {
	if b.destroyed {
		b.logger.DPanic("Object destroyed twice")
		return
	}

	if b.refcount > 0 {
		b.refcount = 0
		b.unbind()
	}
	b.failedRefs = 0
	b.destroyed = true

	signal.Notify(&b.destroying)
	b.id = InvalidID
}
