package graph

import (
	"fmt"
	"math"
	"strconv"

	"github.com/mitchellh/go-ps"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// MediaClass is the coarse classification of a node.
type MediaClass int

const (
	// Untracked nodes are mirrored but carry no audio state.
	Untracked MediaClass = iota
	// Audio nodes are sinks, sources and audio streams.
	Audio
)

func (c MediaClass) String() string {
	if c == Audio {
		return "Audio"
	}

	return "Untracked"
}

// Node is a logical endpoint: a hardware sink or source, or an application stream.
type Node struct {
	bindable

	name        string
	description string
	nickname    string
	mediaClass  string
	class       MediaClass
	isSink      bool
	isStream    bool

	deviceID    uint32
	routeDevice int32
	routed      bool

	properties map[string]string
	paramFlags map[spa.ParamType]uint32
	paramProxy pw.ParamProxy
	enumSeq    int32

	device             ObjectRef[*Device]
	disconnectRouteVol func()

	audio *NodeAudio

	// PropertiesChanged fires when the bound property map is replaced or cleared.
	PropertiesChanged signal.Notifier
}

func newNode(registry *Registry, id, permissions uint32) *Node {
	n := &Node{}
	n.init(registry, n, registry.logger.Named("node"), id, permissions)

	return n
}

func (n *Node) initProps(props map[string]string) {
	n.name = props["node.name"]
	n.description = props["node.description"]
	n.nickname = props["node.nick"]
	n.mediaClass = props["media.class"]

	switch n.mediaClass {
	case "Audio/Sink":
		n.class, n.isSink = Audio, true
	case "Audio/Source":
		n.class = Audio
	case "Stream/Output/Audio":
		n.class, n.isStream = Audio, true
	case "Stream/Input/Audio":
		n.class, n.isSink, n.isStream = Audio, true, true
	}

	if id, ok := parseUint32(props["device.id"]); ok {
		n.deviceID = id

		if route, err := strconv.ParseInt(props["card.profile.device"], 10, 32); err == nil {
			n.routeDevice = int32(route)
			n.routed = true
		}
	}

	if n.class == Audio {
		n.audio = newNodeAudio(n)
	}
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}

	return uint32(v), true
}

// Name returns node.name.
func (n *Node) Name() string {
	return n.name
}

// Description returns node.description.
func (n *Node) Description() string {
	return n.description
}

// Nickname returns node.nick.
func (n *Node) Nickname() string {
	return n.nickname
}

// MediaClassName returns the raw media.class property.
func (n *Node) MediaClassName() string {
	return n.mediaClass
}

// Class returns the node's classification.
func (n *Node) Class() MediaClass {
	return n.class
}

// IsSink reports whether the node consumes audio from other nodes.
func (n *Node) IsSink() bool {
	return n.isSink
}

// IsStream reports whether the node is an application stream.
func (n *Node) IsStream() bool {
	return n.isStream
}

// Audio returns the audio extension, or nil for untracked nodes.
func (n *Node) Audio() *NodeAudio {
	return n.audio
}

// Properties returns the full property map. It is nil while unbound.
func (n *Node) Properties() map[string]string {
	return n.properties
}

// DeviceID returns the id of the device the node belongs to, if any.
func (n *Node) DeviceID() (uint32, bool) {
	return n.deviceID, n.deviceID != 0
}

// RouteDevice returns the device route the node's volume is stored on.
func (n *Node) RouteDevice() (int32, bool) {
	return n.routeDevice, n.routed
}

// Device returns the routed device while the node is bound.
func (n *Node) Device() *Device {
	device, _ := n.device.Get()
	return device
}

// ProcessName names the process behind a stream node. It is empty while
// unbound or when the server did not report the process.
func (n *Node) ProcessName() string {
	if binary := n.properties["application.process.binary"]; binary != "" {
		return binary
	}

	pid, err := strconv.Atoi(n.properties["application.process.id"])
	if err != nil {
		return ""
	}

	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		n.logger.Debugw("Failed to look up stream process", "pid", pid, "error", err)
		return ""
	}

	return process.Executable()
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(%d, %s)", n.id, n.name)
}

func (n *Node) bindProxy(bridge Bridge, id uint32) (pw.Proxy, error) {
	proxy, err := bridge.BindNode(id, n)
	if err != nil {
		return nil, err
	}

	n.paramProxy = proxy
	n.paramFlags = make(map[spa.ParamType]uint32)

	if n.routed && n.audio != nil {
		n.bindDevice()
	}

	return proxy, nil
}

func (n *Node) bindDevice() {
	device, ok := n.registry.devices[n.deviceID]
	if !ok {
		n.logger.Debugw("Routed node has no tracked device", "device", n.deviceID)
		return
	}

	n.device.Set(device)
	n.disconnectRouteVol = device.RouteVolumesChanged.Connect(func(rv RouteVolumes) {
		if rv.RouteDevice == n.routeDevice {
			n.audio.applyProps(rv.Props)
		}
	})
}

func (n *Node) unbindHooks() {
	if n.disconnectRouteVol != nil {
		n.disconnectRouteVol()
		n.disconnectRouteVol = nil
	}
	n.device.Clear()

	n.paramProxy = nil
	n.paramFlags = nil

	if n.audio != nil {
		n.audio.clear()
	}

	if n.properties != nil {
		n.properties = nil
		signal.Notify(&n.PropertiesChanged)
	}
}

// NodeInfo handles a node info event.
func (n *Node) NodeInfo(info *pw.NodeInfo) {
	if info.ChangeMask&pw.NodeChangeProps != 0 {
		n.properties = info.Props
		signal.Notify(&n.PropertiesChanged)
	}

	if info.ChangeMask&pw.NodeChangeParams != 0 {
		for _, param := range info.Params {
			if param.ID != spa.ParamProps {
				continue
			}

			last, seen := n.paramFlags[param.ID]
			n.paramFlags[param.ID] = param.Flags

			if seen && last == param.Flags {
				continue
			}

			if param.Flags&spa.ParamInfoRead != 0 {
				n.enumParams(param.ID)
			}
		}
	}
}

func (n *Node) enumParams(id spa.ParamType) {
	n.enumSeq++

	if err := n.paramProxy.EnumParams(n.enumSeq, id, 0, math.MaxUint32); err != nil {
		n.logger.Warnw("Failed to enumerate node params", "param", id, "error", err)
	}
}

// NodeParam handles a param value from enumeration.
func (n *Node) NodeParam(param pw.Param) {
	if param.ID != spa.ParamProps || n.audio == nil {
		return
	}

	obj, err := param.Value.Object()
	if err != nil {
		n.logger.Warnw("Ignoring malformed Props param", "error", err)
		return
	}

	n.audio.applyProps(obj)
}

func (n *Node) setProps(build func(b *spa.Builder)) error {
	b := spa.NewBuilder()
	b.PushObject(spa.TypeObjectProps, uint32(spa.ParamProps))
	build(b)
	b.Pop()

	return n.paramProxy.SetParam(spa.ParamProps, 0, b.Bytes())
}
