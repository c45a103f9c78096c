package graph

import (
	"encoding/json"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// Keys of the default metadata object the tracker follows.
const (
	KeyDefaultSink             = "default.audio.sink"
	KeyDefaultSource           = "default.audio.source"
	KeyDefaultConfiguredSink   = "default.configured.audio.sink"
	KeyDefaultConfiguredSource = "default.configured.audio.source"
)

const (
	defaultMetadataName = "default"
	jsonValueType       = "Spa:String:JSON"
)

var defaultKeys = []string{
	KeyDefaultSink,
	KeyDefaultSource,
	KeyDefaultConfiguredSink,
	KeyDefaultConfiguredSource,
}

type defaultValue struct {
	Name string `json:"name"`
}

// defaultSlot pairs a default's node name with the live node of that name.
// The node pointer is weak: it holds no reference and is cleared on removal.
type defaultSlot struct {
	key        string
	name       string
	node       *Node
	disconnect func()
	changed    *signal.Notifier
}

// DefaultTracker resolves the session's default and configured sink and
// source names to live nodes.
type DefaultTracker struct {
	logger   *zap.SugaredLogger
	registry *Registry
	meta     ObjectRef[*Metadata]
	slots    map[string]*defaultSlot

	SinkChanged             signal.Notifier
	SourceChanged           signal.Notifier
	ConfiguredSinkChanged   signal.Notifier
	ConfiguredSourceChanged signal.Notifier
}

// NewDefaultTracker follows the registry's "default" metadata object.
func NewDefaultTracker(logger *zap.SugaredLogger, registry *Registry) *DefaultTracker {
	t := &DefaultTracker{
		logger:   logger.Named("defaults"),
		registry: registry,
	}

	t.slots = map[string]*defaultSlot{
		KeyDefaultSink:             {key: KeyDefaultSink, changed: &t.SinkChanged},
		KeyDefaultSource:           {key: KeyDefaultSource, changed: &t.SourceChanged},
		KeyDefaultConfiguredSink:   {key: KeyDefaultConfiguredSink, changed: &t.ConfiguredSinkChanged},
		KeyDefaultConfiguredSource: {key: KeyDefaultConfiguredSource, changed: &t.ConfiguredSourceChanged},
	}

	registry.MetadataAdded.Connect(t.onMetadataAdded)
	registry.MetadataUpdate.Connect(t.onMetadataUpdate)
	registry.NodeAdded.Connect(t.onNodeAdded)

	for _, meta := range registry.Metadata() {
		t.onMetadataAdded(meta)
	}

	return t
}

// Sink returns the current default sink, or nil.
func (t *DefaultTracker) Sink() *Node { return t.slots[KeyDefaultSink].node }

// Source returns the current default source, or nil.
func (t *DefaultTracker) Source() *Node { return t.slots[KeyDefaultSource].node }

// ConfiguredSink returns the user's configured sink, or nil.
func (t *DefaultTracker) ConfiguredSink() *Node { return t.slots[KeyDefaultConfiguredSink].node }

// ConfiguredSource returns the user's configured source, or nil.
func (t *DefaultTracker) ConfiguredSource() *Node { return t.slots[KeyDefaultConfiguredSource].node }

// SinkName returns the node name announced as default sink, resolved or not.
func (t *DefaultTracker) SinkName() string { return t.slots[KeyDefaultSink].name }

// SourceName returns the node name announced as default source, resolved or not.
func (t *DefaultTracker) SourceName() string { return t.slots[KeyDefaultSource].name }

// ConfiguredSinkName returns the node name the user configured as sink.
func (t *DefaultTracker) ConfiguredSinkName() string { return t.slots[KeyDefaultConfiguredSink].name }

// ConfiguredSourceName returns the node name the user configured as source.
func (t *DefaultTracker) ConfiguredSourceName() string { return t.slots[KeyDefaultConfiguredSource].name }

// SetConfiguredSink asks the session manager to make node the default sink.
func (t *DefaultTracker) SetConfiguredSink(node *Node) {
	t.setConfigured(KeyDefaultConfiguredSink, node)
}

// SetConfiguredSource asks the session manager to make node the default source.
func (t *DefaultTracker) SetConfiguredSource(node *Node) {
	t.setConfigured(KeyDefaultConfiguredSource, node)
}

func (t *DefaultTracker) setConfigured(key string, node *Node) {
	meta, ok := t.meta.Get()
	if !ok {
		t.logger.Warnw("Cannot change default without default metadata", "key", key)
		return
	}

	if node == nil || node.Name() == "" {
		t.logger.Warnw("Cannot make a node without a name the default", "key", key)
		return
	}

	value, err := json.Marshal(defaultValue{Name: node.Name()})
	if err != nil {
		t.logger.Warnw("Failed to encode default value", "key", key, "error", err)
		return
	}

	meta.SetProperty(0, key, jsonValueType, string(value))
}

func (t *DefaultTracker) onMetadataAdded(meta *Metadata) {
	if meta.Name() != defaultMetadataName {
		return
	}

	if _, ok := t.meta.Get(); ok {
		t.logger.Debugw("Ignoring additional default metadata", "id", meta.ID())
		return
	}

	t.logger.Debugw("Following default metadata", "id", meta.ID())
	t.meta.Set(meta)
}

func (t *DefaultTracker) onMetadataUpdate(update MetadataUpdate) {
	if update.Metadata.Name() != defaultMetadataName || update.Subject != 0 {
		return
	}

	if update.Key == "" {
		for _, key := range defaultKeys {
			t.setName(t.slots[key], "")
		}

		return
	}

	if !funk.ContainsString(defaultKeys, update.Key) {
		return
	}

	slot := t.slots[update.Key]

	if update.Value == "" {
		t.setName(slot, "")
		return
	}

	var value defaultValue
	if err := json.Unmarshal([]byte(update.Value), &value); err != nil {
		t.logger.Warnw("Ignoring unparsable default value", "key", update.Key, "value", update.Value, "error", err)
		return
	}

	t.setName(slot, value.Name)
}

func (t *DefaultTracker) onNodeAdded(node *Node) {
	for _, key := range defaultKeys {
		slot := t.slots[key]
		if slot.node == nil && slot.name != "" && slot.name == node.Name() {
			t.logger.Debugw("Resolved default to new node", "key", key, "node", node.ID())
			t.setNode(slot, node)
			signal.Notify(slot.changed)
		}
	}
}

func (t *DefaultTracker) setName(slot *defaultSlot, name string) {
	node := t.registry.NodeByName(name)

	if slot.name == name && slot.node == node {
		return
	}

	t.logger.Debugw("Default changed", "key", slot.key, "name", name, "resolved", node != nil)

	slot.name = name
	t.setNode(slot, node)
	signal.Notify(slot.changed)
}

func (t *DefaultTracker) setNode(slot *defaultSlot, node *Node) {
	if slot.node == node {
		return
	}

	if slot.disconnect != nil {
		slot.disconnect()
		slot.disconnect = nil
	}

	slot.node = node

	if node != nil {
		slot.disconnect = node.OnDestroying(func() {
			t.logger.Debugw("Default node removed", "key", slot.key, "name", slot.name)
			t.setNode(slot, nil)
			signal.Notify(slot.changed)
		})
	}
}
