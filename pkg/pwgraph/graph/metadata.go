package graph

import (
	"fmt"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// Metadata is a key/value store scoped by subject id. Updates are forwarded
// uninterpreted, both on PropertyChanged and the registry's MetadataUpdate.
type Metadata struct {
	bindable

	name  string
	proxy pw.MetadataProxy

	PropertyChanged signal.Signal[pw.MetadataProperty]
}

func newMetadata(registry *Registry, id, permissions uint32) *Metadata {
	m := &Metadata{}
	m.init(registry, m, registry.logger.Named("metadata"), id, permissions)

	return m
}

func (m *Metadata) initProps(props map[string]string) {
	m.name = props["metadata.name"]
}

// Name returns metadata.name.
func (m *Metadata) Name() string {
	return m.name
}

func (m *Metadata) String() string {
	return fmt.Sprintf("Metadata(%d, %s)", m.id, m.name)
}

func (m *Metadata) bindProxy(bridge Bridge, id uint32) (pw.Proxy, error) {
	proxy, err := bridge.BindMetadata(id, m)
	if err != nil {
		return nil, err
	}

	m.proxy = proxy

	return proxy, nil
}

func (m *Metadata) unbindHooks() {
	m.proxy = nil
}

// MetadataProperty handles a property update from the server.
func (m *Metadata) MetadataProperty(prop pw.MetadataProperty) {
	m.logger.Debugw("Metadata property changed", "subject", prop.Subject, "key", prop.Key, "value", prop.Value)

	m.PropertyChanged.Emit(prop)
	m.registry.MetadataUpdate.Emit(MetadataUpdate{Metadata: m, MetadataProperty: prop})
}

// SetProperty writes a property. The change is visible once the server echoes it.
func (m *Metadata) SetProperty(subject uint32, key, typ, value string) {
	if m.proxy == nil {
		m.logger.Warnw("Cannot set property on unbound metadata", "key", key)
		return
	}

	if err := m.proxy.SetProperty(subject, key, typ, value); err != nil {
		m.logger.Warnw("Failed to set metadata property", "key", key, "error", err)
	}
}
