package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

func boundDevice(t *testing.T) (*Device, *fakeBridge, *fakeProxy) {
	t.Helper()

	registry, bridge, _ := newObservedRegistry(t)
	bridge.global(30, pw.InterfaceDevice, map[string]string{"device.name": "alsa_card.pci", "device.description": "Built-in Audio"})
	device := registry.Devices()[30]
	device.Ref()

	return device, bridge, bridge.proxy(t, 30)
}

func routeInfo(flags uint32) *pw.DeviceInfo {
	return &pw.DeviceInfo{
		ChangeMask: pw.DeviceChangeParams,
		Params:     []pw.ParamInfo{{ID: spa.ParamRoute, Flags: flags}},
	}
}

func TestRouteEnumerationStartsOnParamChange(t *testing.T) {
	device, _, proxy := boundDevice(t)

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite))
	require.Len(t, proxy.enums, 1)
	assert.Equal(t, spa.ParamRoute, proxy.enums[0].id)

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite))
	assert.Len(t, proxy.enums, 1)

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite | spa.ParamInfoSerial))
	assert.Len(t, proxy.enums, 2)

	device.DeviceInfo(routeInfo(spa.ParamInfoWrite))
	assert.Len(t, proxy.enums, 2, "unreadable routes are not enumerated")
}

func TestRouteMapAndPruning(t *testing.T) {
	device, bridge, _ := boundDevice(t)

	var reported []int32
	device.RouteVolumesChanged.Connect(func(rv RouteVolumes) { reported = append(reported, rv.RouteDevice) })

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite))
	device.DeviceParam(routeParam(t, 0, 1, []float32{1, 1}))
	device.DeviceParam(routeParam(t, 2, 3, []float32{1, 1}))
	device.DeviceParam(routeParam(t, 5, 6, nil))

	assert.Equal(t, []int32{1, 3}, reported, "every reply with props is reported as it arrives")

	bridge.poll()
	index, ok := device.RouteIndex(3)
	require.True(t, ok)
	assert.Equal(t, int32(2), index)
	assert.True(t, device.HasRouteDevice(6))

	// a new enumeration that has not replied yet prunes nothing
	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite | spa.ParamInfoSerial))
	bridge.poll()
	assert.True(t, device.HasRouteDevice(1))
	assert.True(t, device.HasRouteDevice(3))

	device.DeviceParam(routeParam(t, 4, 1, nil))
	assert.True(t, device.HasRouteDevice(3), "pruning waits for the poll")

	bridge.poll()
	assert.True(t, device.HasRouteDevice(1))
	assert.False(t, device.HasRouteDevice(3))
	assert.False(t, device.HasRouteDevice(6))

	index, _ = device.RouteIndex(1)
	assert.Equal(t, int32(4), index)
}

func TestRouteMapIdempotent(t *testing.T) {
	device, bridge, _ := boundDevice(t)

	reply := func() {
		device.DeviceParam(routeParam(t, 0, 1, nil))
		device.DeviceParam(routeParam(t, 2, 3, nil))
	}

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite))
	reply()
	bridge.poll()
	before := map[int32]routeEntry{}
	for k, v := range device.routes {
		before[k] = v
	}

	device.DeviceInfo(routeInfo(spa.ParamInfoReadWrite | spa.ParamInfoSerial))
	reply()
	bridge.poll()

	require.Len(t, device.routes, len(before))
	for routeDevice, entry := range before {
		index, ok := device.RouteIndex(routeDevice)
		assert.True(t, ok)
		assert.Equal(t, entry.index, index)
	}
}

func TestMalformedRouteIgnored(t *testing.T) {
	registry, bridge, logs := newObservedRegistry(t)
	bridge.global(30, pw.InterfaceDevice, map[string]string{"device.name": "alsa_card.pci"})
	device := registry.Devices()[30]
	device.Ref()

	b := spa.NewBuilder()
	b.PushObject(spa.TypeObjectParamRoute, uint32(spa.ParamRoute))
	b.Prop(spa.RouteIndex, 0)
	b.Int(1)
	b.Pop()

	device.DeviceParam(pw.Param{ID: spa.ParamRoute, Value: parsePod(t, b)})

	assert.Empty(t, device.routes)
	assert.Equal(t, 1, warnings(logs))
}

func TestDeviceWritesRejected(t *testing.T) {
	registry, bridge, logs := newObservedRegistry(t)
	bridge.global(30, pw.InterfaceDevice, map[string]string{"device.name": "alsa_card.pci"})
	device := registry.Devices()[30]

	assert.False(t, device.SetMuted(1, true), "unbound")

	device.Ref()
	proxy := bridge.proxy(t, 30)

	assert.False(t, device.SetVolumes(9, []float32{1, 1}), "unknown route device")
	assert.Empty(t, proxy.setParams)
	assert.Equal(t, 2, warnings(logs))

	device.DeviceParam(routeParam(t, 2, 9, nil))
	assert.True(t, device.SetMuted(9, true))
	require.Len(t, proxy.setParams, 1)

	route := decodeSetParam(t, proxy.setParams[0])
	routeDevice, err := mustFind(t, route, spa.RouteDevice).GetInt()
	require.NoError(t, err)
	assert.Equal(t, int32(9), routeDevice)

	props, err := mustFind(t, route, spa.RouteProps).Object()
	require.NoError(t, err)
	muted, err := mustFind(t, props, spa.PropMute).GetBool()
	require.NoError(t, err)
	assert.True(t, muted)
}

func TestDeviceUnbindClearsRoutes(t *testing.T) {
	device, bridge, proxy := boundDevice(t)

	device.DeviceInfo(&pw.DeviceInfo{ChangeMask: pw.DeviceChangeProps, Props: map[string]string{"api.alsa.card": "0"}})
	device.DeviceParam(routeParam(t, 0, 1, nil))
	assert.Equal(t, "Built-in Audio", device.Description())

	device.Unref()

	assert.True(t, proxy.destroyed)
	assert.False(t, device.HasRouteDevice(1))
	assert.Nil(t, device.Properties())
	assert.Zero(t, bridge.polled.Len(), "an unbound device stops listening for polls")
}
