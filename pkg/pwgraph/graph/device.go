package graph

import (
	"fmt"
	"math"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// RouteVolumes carries the Props embedded in one enumerated route.
type RouteVolumes struct {
	RouteDevice int32
	Props       *spa.Object
}

type routeEntry struct {
	index      int32
	generation uint64
}

// Device is a physical card. It maps route devices to the index of the route
// currently serving them so volume writes can be addressed to a route.
type Device struct {
	bindable

	name        string
	description string

	properties map[string]string
	paramFlags map[spa.ParamType]uint32
	paramProxy pw.ParamProxy
	enumSeq    int32

	routes         map[int32]routeEntry
	generation     uint64
	repliesInGen   int
	disconnectPoll func()

	// RouteVolumesChanged fires for every enumerated route carrying Props.
	RouteVolumesChanged signal.Signal[RouteVolumes]
	PropertiesChanged   signal.Notifier
}

func newDevice(registry *Registry, id, permissions uint32) *Device {
	d := &Device{routes: make(map[int32]routeEntry)}
	d.init(registry, d, registry.logger.Named("device"), id, permissions)

	return d
}

func (d *Device) initProps(props map[string]string) {
	d.name = props["device.name"]
	d.description = props["device.description"]
}

// Name returns device.name.
func (d *Device) Name() string {
	return d.name
}

// Description returns device.description.
func (d *Device) Description() string {
	return d.description
}

// Properties returns the full property map. It is nil while unbound.
func (d *Device) Properties() map[string]string {
	return d.properties
}

// RouteIndex returns the index of the route serving routeDevice.
func (d *Device) RouteIndex(routeDevice int32) (int32, bool) {
	entry, ok := d.routes[routeDevice]
	return entry.index, ok
}

// HasRouteDevice reports whether routeDevice is currently served by a route.
func (d *Device) HasRouteDevice(routeDevice int32) bool {
	_, ok := d.routes[routeDevice]
	return ok
}

func (d *Device) String() string {
	return fmt.Sprintf("Device(%d, %s)", d.id, d.name)
}

func (d *Device) bindProxy(bridge Bridge, id uint32) (pw.Proxy, error) {
	proxy, err := bridge.BindDevice(id, d)
	if err != nil {
		return nil, err
	}

	d.paramProxy = proxy
	d.paramFlags = make(map[spa.ParamType]uint32)
	d.disconnectPoll = bridge.OnPolled(d.polled)

	return proxy, nil
}

func (d *Device) unbindHooks() {
	d.disconnectPoll()
	d.disconnectPoll = nil

	d.paramProxy = nil
	d.paramFlags = nil
	d.routes = make(map[int32]routeEntry)
	d.repliesInGen = 0

	if d.properties != nil {
		d.properties = nil
		signal.Notify(&d.PropertiesChanged)
	}
}

// DeviceInfo handles a device info event.
func (d *Device) DeviceInfo(info *pw.DeviceInfo) {
	if info.ChangeMask&pw.DeviceChangeProps != 0 {
		d.properties = info.Props
		signal.Notify(&d.PropertiesChanged)
	}

	if info.ChangeMask&pw.DeviceChangeParams != 0 {
		for _, param := range info.Params {
			if param.ID != spa.ParamRoute {
				continue
			}

			last, seen := d.paramFlags[param.ID]
			d.paramFlags[param.ID] = param.Flags

			if seen && last == param.Flags {
				continue
			}

			if param.Flags&spa.ParamInfoRead != 0 {
				d.enumerateRoutes()
			}
		}
	}
}

func (d *Device) enumerateRoutes() {
	d.generation++
	d.repliesInGen = 0
	d.enumSeq++

	if err := d.paramProxy.EnumParams(d.enumSeq, spa.ParamRoute, 0, math.MaxUint32); err != nil {
		d.logger.Warnw("Failed to enumerate device routes", "error", err)
	}
}

// DeviceParam handles one enumerated route.
func (d *Device) DeviceParam(param pw.Param) {
	if param.ID != spa.ParamRoute {
		return
	}

	obj, err := param.Value.Object()
	if err != nil {
		d.logger.Warnw("Ignoring malformed Route param", "error", err)
		return
	}

	index, err := intProp(obj, spa.RouteIndex)
	if err != nil {
		d.logger.Warnw("Ignoring route without index", "error", err)
		return
	}

	routeDevice, err := intProp(obj, spa.RouteDevice)
	if err != nil {
		d.logger.Warnw("Ignoring route without device", "error", err)
		return
	}

	d.routes[routeDevice] = routeEntry{index: index, generation: d.generation}
	d.repliesInGen++

	propsPod, ok := obj.Find(spa.RouteProps)
	if !ok {
		return
	}

	props, err := propsPod.Object()
	if err != nil {
		d.logger.Warnw("Ignoring malformed route props", "routeDevice", routeDevice, "error", err)
		return
	}

	d.RouteVolumesChanged.Emit(RouteVolumes{RouteDevice: routeDevice, Props: props})
}

func intProp(obj *spa.Object, key uint32) (int32, error) {
	pod, ok := obj.Find(key)
	if !ok {
		return 0, fmt.Errorf("missing property %#x", key)
	}

	return pod.Unwrap().GetInt()
}

// polled prunes routes the latest enumeration no longer reported, once at
// least one reply of that enumeration has arrived.
func (d *Device) polled() {
	if d.repliesInGen == 0 {
		return
	}

	for routeDevice, entry := range d.routes {
		if entry.generation != d.generation {
			d.logger.Debugw("Pruning stale route", "routeDevice", routeDevice, "routeIndex", entry.index)
			delete(d.routes, routeDevice)
		}
	}
}

func (d *Device) setRouteProps(routeDevice int32, build func(b *spa.Builder)) bool {
	if !d.Bound() {
		d.logger.Warnw("Cannot write route of an unbound device", "routeDevice", routeDevice)
		return false
	}

	entry, ok := d.routes[routeDevice]
	if !ok {
		d.logger.Warnw("Cannot write untracked route device", "routeDevice", routeDevice)
		return false
	}

	b := spa.NewBuilder()
	b.PushObject(spa.TypeObjectParamRoute, uint32(spa.ParamRoute))
	b.Prop(spa.RouteIndex, 0)
	b.Int(entry.index)
	b.Prop(spa.RouteDevice, 0)
	b.Int(routeDevice)
	b.Prop(spa.RouteProps, 0)
	b.PushObject(spa.TypeObjectProps, uint32(spa.ParamRoute))
	build(b)
	b.Pop()
	b.Prop(spa.RouteSave, 0)
	b.Bool(true)
	b.Pop()

	if err := d.paramProxy.SetParam(spa.ParamRoute, 0, b.Bytes()); err != nil {
		d.logger.Warnw("Failed to write route", "routeDevice", routeDevice, "error", err)
		return false
	}

	return true
}

// SetVolumes writes perceptual volumes to the route serving routeDevice.
func (d *Device) SetVolumes(routeDevice int32, volumes []float32) bool {
	linear := make([]float32, len(volumes))
	for i, v := range volumes {
		linear[i] = PerceptualToLinear(v)
	}

	return d.setRouteProps(routeDevice, func(b *spa.Builder) {
		b.Prop(spa.PropChannelVolumes, 0)
		b.FloatArray(linear)
	})
}

// SetMuted writes the mute flag to the route serving routeDevice.
func (d *Device) SetMuted(routeDevice int32, muted bool) bool {
	return d.setRouteProps(routeDevice, func(b *spa.Builder) {
		b.Prop(spa.PropMute, 0)
		b.Bool(muted)
	})
}
