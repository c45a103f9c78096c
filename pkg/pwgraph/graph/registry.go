package graph

import (
	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// RegistryState is the startup phase of a Registry.
type RegistryState int

const (
	// SendingObjects waits for the server to finish announcing existing globals.
	SendingObjects RegistryState = iota
	// Binding waits for the binds issued while announcing to settle.
	Binding
	// Done means the initial snapshot is complete.
	Done
)

func (s RegistryState) String() string {
	switch s {
	case SendingObjects:
		return "SendingObjects"
	case Binding:
		return "Binding"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// MetadataUpdate is a property change forwarded from a metadata object.
type MetadataUpdate struct {
	Metadata *Metadata
	pw.MetadataProperty
}

// Registry is the sole owner of every mirrored object.
type Registry struct {
	logger *zap.SugaredLogger
	bridge Bridge

	state   RegistryState
	syncSeq int32

	nodes      map[uint32]*Node
	devices    map[uint32]*Device
	links      map[uint32]*Link
	linkGroups []*LinkGroup
	metadata   map[uint32]*Metadata

	// Initialized fires once, when the startup snapshot is complete.
	Initialized signal.Notifier

	NodeAdded      signal.Signal[*Node]
	DeviceAdded    signal.Signal[*Device]
	LinkAdded      signal.Signal[*Link]
	LinkGroupAdded signal.Signal[*LinkGroup]
	MetadataAdded  signal.Signal[*Metadata]
	MetadataUpdate signal.Signal[MetadataUpdate]

	// ObjectRemoved fires with the id of every removed object after it is erased.
	ObjectRemoved signal.Signal[uint32]
}

// NewRegistry starts mirroring the graph announced over bridge. With an
// invalid bridge the registry stays empty and never initializes.
func NewRegistry(logger *zap.SugaredLogger, bridge Bridge) *Registry {
	logger = logger.Named("registry")

	r := &Registry{
		logger:   logger,
		bridge:   bridge,
		nodes:    make(map[uint32]*Node),
		devices:  make(map[uint32]*Device),
		links:    make(map[uint32]*Link),
		metadata: make(map[uint32]*Metadata),
	}

	if !bridge.IsValid() {
		logger.Warn("PipeWire connection is not valid, registry will stay empty")
		return r
	}

	bridge.SetRegistryEvents(r)
	bridge.OnSynced(r.onSynced)

	r.state = SendingObjects
	r.syncSeq = bridge.Sync(pw.CoreID)

	logger.Debug("Created registry instance")

	return r
}

// State returns the startup phase.
func (r *Registry) State() RegistryState {
	return r.state
}

// Nodes returns the tracked nodes by id. The map must not be modified.
func (r *Registry) Nodes() map[uint32]*Node {
	return r.nodes
}

// Devices returns the tracked devices by id. The map must not be modified.
func (r *Registry) Devices() map[uint32]*Device {
	return r.devices
}

// Links returns the tracked links by id. The map must not be modified.
func (r *Registry) Links() map[uint32]*Link {
	return r.links
}

// LinkGroups returns the coalesced node to node connections.
func (r *Registry) LinkGroups() []*LinkGroup {
	return r.linkGroups
}

// Metadata returns the tracked metadata objects by id. The map must not be modified.
func (r *Registry) Metadata() map[uint32]*Metadata {
	return r.metadata
}

// NodeByName returns the node with the given node.name.
func (r *Registry) NodeByName(name string) *Node {
	if name == "" {
		return nil
	}

	for _, node := range r.nodes {
		if node.Name() == name {
			return node
		}
	}

	return nil
}

// Resolve binds nodes and calls done once the server has acknowledged a sync
// sent after the binds, so their info and properties have arrived. The nodes
// stay bound until release is called.
func (r *Registry) Resolve(nodes []*Node, done func(release func())) {
	holders := make([]ObjectRef[*Node], len(nodes))
	for i, node := range nodes {
		holders[i].Set(node)
	}

	release := func() {
		for i := range holders {
			holders[i].Clear()
		}
	}

	seq := r.bridge.Sync(pw.CoreID)
	r.logger.Debugw("Resolving nodes", "count", len(nodes), "seq", seq)

	var disconnect func()
	disconnect = r.bridge.OnSynced(func(synced pw.SyncDone) {
		if synced.ID != pw.CoreID || synced.Seq != seq {
			return
		}

		disconnect()
		done(release)
	})
}

func (r *Registry) onSynced(done pw.SyncDone) {
	if done.ID != pw.CoreID || done.Seq != r.syncSeq {
		return
	}

	switch r.state {
	case SendingObjects:
		r.state = Binding
		r.syncSeq = r.bridge.Sync(pw.CoreID)
		r.logger.Debug("Initial globals received, waiting for binds to settle")

	case Binding:
		r.state = Done
		r.logger.Infow("Registry initialized",
			"nodes", len(r.nodes),
			"devices", len(r.devices),
			"linkGroups", len(r.linkGroups),
			"metadata", len(r.metadata))
		signal.Notify(&r.Initialized)

	case Done:
	}
}

func (r *Registry) isTracked(id uint32) bool {
	if _, ok := r.nodes[id]; ok {
		return true
	}
	if _, ok := r.devices[id]; ok {
		return true
	}
	if _, ok := r.links[id]; ok {
		return true
	}
	_, ok := r.metadata[id]

	return ok
}

// Global handles a global announced by the server.
func (r *Registry) Global(global pw.Global) {
	if r.isTracked(global.ID) {
		r.logger.Warnw("Ignoring duplicate global", "id", global.ID, "type", global.Type)
		return
	}

	switch global.Type {
	case pw.InterfaceNode:
		node := newNode(r, global.ID, global.Permissions)
		node.initProps(global.Props)
		r.nodes[global.ID] = node
		r.logger.Debugw("Tracking node", "id", global.ID, "name", node.Name())
		r.NodeAdded.Emit(node)

	case pw.InterfaceDevice:
		device := newDevice(r, global.ID, global.Permissions)
		device.initProps(global.Props)
		r.devices[global.ID] = device
		r.logger.Debugw("Tracking device", "id", global.ID, "name", device.Name())
		r.DeviceAdded.Emit(device)

	case pw.InterfaceLink:
		link := newLink(r, global.ID, global.Permissions)
		link.initProps(global.Props)
		r.links[global.ID] = link
		r.logger.Debugw("Tracking link", "id", global.ID, "output", link.OutputNode(), "input", link.InputNode())
		r.LinkAdded.Emit(link)
		r.addLinkToGroup(link)

	case pw.InterfaceMetadata:
		meta := newMetadata(r, global.ID, global.Permissions)
		meta.initProps(global.Props)
		r.metadata[global.ID] = meta
		r.logger.Debugw("Tracking metadata", "id", global.ID, "name", meta.Name())
		r.MetadataAdded.Emit(meta)

	default:
		r.logger.Debugw("Ignoring global of untracked type", "id", global.ID, "type", global.Type)
	}
}

// GlobalRemove handles the server removing a global.
func (r *Registry) GlobalRemove(id uint32) {
	if node, ok := r.nodes[id]; ok {
		node.safeDestroy()
		delete(r.nodes, id)
	} else if device, ok := r.devices[id]; ok {
		device.safeDestroy()
		delete(r.devices, id)
	} else if link, ok := r.links[id]; ok {
		link.safeDestroy()
		delete(r.links, id)
	} else if meta, ok := r.metadata[id]; ok {
		meta.safeDestroy()
		delete(r.metadata, id)
	} else {
		r.logger.Debugw("Ignoring removal of untracked global", "id", id)
		return
	}

	r.logger.Debugw("Removed global", "id", id)
	r.ObjectRemoved.Emit(id)
}

func (r *Registry) addLinkToGroup(link *Link) {
	for _, group := range r.linkGroups {
		if group.tryAddLink(link) {
			return
		}
	}

	group := newLinkGroup(r.logger, link)
	group.OnDestroying(func() { r.removeLinkGroup(group) })
	r.linkGroups = append(r.linkGroups, group)

	r.logger.Debugw("Tracking link group", "output", group.OutputNode(), "input", group.InputNode())
	r.LinkGroupAdded.Emit(group)
}

func (r *Registry) removeLinkGroup(group *LinkGroup) {
	for i, other := range r.linkGroups {
		if other == group {
			r.linkGroups = append(r.linkGroups[:i], r.linkGroups[i+1:]...)
			break
		}
	}
}
