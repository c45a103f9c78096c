package pwgraph

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/thoas/go-funk"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/graph"
)

// dumpResolved binds the audio streams so their processes can be named, dumps
// the graph once the server caught up and stops the daemon.
func (d *Daemon) dumpResolved() {
	streams := funk.Filter(funk.Values(d.registry.Nodes()), func(n *graph.Node) bool {
		return n.Class() == graph.Audio && n.IsStream()
	}).([]*graph.Node)

	d.registry.Resolve(streams, func(release func()) {
		d.dump()
		release()
		d.signalStop()
	})
}

// dump logs the mirrored graph once the startup snapshot is complete.
func (d *Daemon) dump() {
	nodes := funk.Values(d.registry.Nodes()).([]*graph.Node)
	slices.SortFunc(nodes, func(a, b *graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })

	audioNodes := funk.Filter(nodes, func(n *graph.Node) bool {
		return n.Class() == graph.Audio
	}).([]*graph.Node)

	d.logger.Infow("Graph summary",
		"nodes", len(nodes),
		"audioNodes", len(audioNodes),
		"devices", len(d.registry.Devices()),
		"links", len(d.registry.Links()),
		"linkGroups", len(d.registry.LinkGroups()))

	for _, node := range audioNodes {
		deviceID := "-"
		if id, ok := node.DeviceID(); ok {
			deviceID = strconv.FormatUint(uint64(id), 10)
		}

		d.logger.Infow("Audio node",
			"id", node.ID(),
			"name", node.Name(),
			"description", node.Description(),
			"mediaClass", node.MediaClassName(),
			"device", deviceID,
			"process", node.ProcessName())
	}

	devices := funk.Values(d.registry.Devices()).([]*graph.Device)
	slices.SortFunc(devices, func(a, b *graph.Device) int { return cmp.Compare(a.ID(), b.ID()) })

	for _, device := range devices {
		d.logger.Infow("Device", "id", device.ID(), "name", device.Name(), "description", device.Description())
	}

	for _, group := range d.registry.LinkGroups() {
		d.logger.Infow("Link group",
			"output", d.nodeLabel(group.OutputNode()),
			"input", d.nodeLabel(group.InputNode()),
			"links", len(group.Links()))
	}

	d.logger.Infow("Defaults",
		"sink", d.defaults.SinkName(),
		"source", d.defaults.SourceName(),
		"configuredSink", d.defaults.ConfiguredSinkName(),
		"configuredSource", d.defaults.ConfiguredSourceName())
}

func (d *Daemon) nodeLabel(id uint32) string {
	if node, ok := d.registry.Nodes()[id]; ok && node.Name() != "" {
		return node.Name()
	}

	return strconv.FormatUint(uint64(id), 10)
}
