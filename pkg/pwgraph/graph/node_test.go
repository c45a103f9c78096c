package graph

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

var stereo = []spa.AudioChannel{spa.ChannelFL, spa.ChannelFR}

func TestNodeClassification(t *testing.T) {
	tests := []struct {
		mediaClass string
		class      MediaClass
		isSink     bool
		isStream   bool
	}{
		{"Audio/Sink", Audio, true, false},
		{"Audio/Source", Audio, false, false},
		{"Stream/Output/Audio", Audio, false, true},
		{"Stream/Input/Audio", Audio, true, true},
		{"Video/Source", Untracked, false, false},
		{"", Untracked, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.mediaClass, func(t *testing.T) {
			registry, bridge, _ := newObservedRegistry(t)

			bridge.global(40, pw.InterfaceNode, map[string]string{
				"node.name":        "node",
				"node.description": "A node",
				"node.nick":        "nick",
				"media.class":      tt.mediaClass,
			})
			node := registry.Nodes()[40]

			assert.Equal(t, tt.class, node.Class())
			assert.Equal(t, tt.isSink, node.IsSink())
			assert.Equal(t, tt.isStream, node.IsStream())
			assert.Equal(t, tt.class == Audio, node.Audio() != nil)
			assert.Equal(t, "A node", node.Description())
			assert.Equal(t, "nick", node.Nickname())
		})
	}
}

func boundSink(t *testing.T) (*Node, *fakeBridge, *fakeProxy) {
	t.Helper()

	registry, bridge, _ := newObservedRegistry(t)
	bridge.addSink(40, "speakers")
	node := registry.Nodes()[40]
	node.Ref()

	return node, bridge, bridge.proxy(t, 40)
}

func TestPropsParamUpdatesAudio(t *testing.T) {
	node, _, _ := boundSink(t)
	audio := node.Audio()

	changes := 0
	audio.VolumesChanged.Connect(func(struct{}) { changes++ })

	muted := true
	node.NodeParam(propsParam(t, []float32{0.125, 1}, stereo, &muted))

	assert.Equal(t, stereo, audio.Channels())
	assert.InDeltaSlice(t, []float32{0.5, 1}, audio.Volumes(), 1e-6)
	assert.True(t, audio.Muted())
	assert.Equal(t, 1, changes)

	node.NodeParam(propsParam(t, []float32{0.125, 1}, stereo, &muted))
	assert.Equal(t, 1, changes, "an identical update is silent")
}

func TestMismatchedVolumeUpdateDropped(t *testing.T) {
	registry, bridge, logs := newObservedRegistry(t)
	bridge.addSink(40, "speakers")
	node := registry.Nodes()[40]
	node.Ref()

	audio := node.Audio()
	node.NodeParam(propsParam(t, []float32{0.125, 0.125}, stereo, nil))
	before := warnings(logs)

	notified := 0
	audio.VolumesChanged.Connect(func(struct{}) { notified++ })
	audio.ChannelsChanged.Connect(func(struct{}) { notified++ })
	audio.MutedChanged.Connect(func(struct{}) { notified++ })

	node.NodeParam(propsParam(t, []float32{1, 1}, []spa.AudioChannel{spa.ChannelFL, spa.ChannelFR, spa.ChannelLFE}, nil))

	assert.Equal(t, stereo, audio.Channels())
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, audio.Volumes(), 1e-6)
	assert.Zero(t, notified)
	assert.Equal(t, before+1, warnings(logs), "a warning is the only side effect")
}

func TestMismatchedFirstUpdateLeavesAudioEmpty(t *testing.T) {
	node, _, _ := boundSink(t)

	node.NodeParam(propsParam(t, []float32{1, 1}, []spa.AudioChannel{spa.ChannelFL, spa.ChannelFR, spa.ChannelFC}, nil))

	assert.Empty(t, node.Audio().Channels())
	assert.Empty(t, node.Audio().Volumes())
}

func TestSetVolumesWritesLinearProps(t *testing.T) {
	node, _, proxy := boundSink(t)
	audio := node.Audio()
	node.NodeParam(propsParam(t, []float32{1, 1}, stereo, nil))

	audio.SetVolumes([]float32{0.5, 0.25})

	assert.Equal(t, []float32{0.5, 0.25}, audio.Volumes(), "cache is updated before any echo")

	require.Len(t, proxy.setParams, 1)
	assert.Equal(t, spa.ParamProps, proxy.setParams[0].id)

	obj := decodeSetParam(t, proxy.setParams[0])
	assert.Equal(t, spa.TypeObjectProps, obj.Type)
	volumes, err := floatArray(mustFind(t, obj, spa.PropChannelVolumes))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.125, 0.015625}, volumes, 1e-6)
}

func mustFind(t *testing.T, obj *spa.Object, key uint32) spa.Pod {
	t.Helper()

	pod, ok := obj.Find(key)
	require.True(t, ok, "property %#x missing", key)

	return pod
}

func TestSetVolumesRejected(t *testing.T) {
	registry, bridge, logs := newObservedRegistry(t)
	bridge.addSink(40, "speakers")
	node := registry.Nodes()[40]

	node.Audio().SetVolumes([]float32{1, 1})
	assert.Equal(t, 1, warnings(logs), "unbound node")

	node.Ref()
	proxy := bridge.proxy(t, 40)
	node.NodeParam(propsParam(t, []float32{1, 1}, stereo, nil))

	node.Audio().SetVolumes([]float32{1, 1, 1})
	assert.Equal(t, 2, warnings(logs), "wrong channel count")
	assert.Empty(t, proxy.setParams)
	assert.Equal(t, []float32{1, 1}, node.Audio().Volumes())
}

func TestSetMuted(t *testing.T) {
	node, _, proxy := boundSink(t)

	node.Audio().SetMuted(true)
	assert.True(t, node.Audio().Muted())

	require.Len(t, proxy.setParams, 1)
	muted, err := mustFind(t, decodeSetParam(t, proxy.setParams[0]), spa.PropMute).GetBool()
	require.NoError(t, err)
	assert.True(t, muted)
}

func TestSetAverageVolume(t *testing.T) {
	node, _, _ := boundSink(t)
	audio := node.Audio()

	node.NodeParam(propsParam(t, []float32{0.125, 1}, stereo, nil))
	audio.SetAverageVolume(0.5)
	assert.InDeltaSlice(t, []float32{1.0 / 3, 2.0 / 3}, audio.Volumes(), 1e-6)
	assert.InDelta(t, 0.5, audio.AverageVolume(), 1e-6)

	audio.SetVolumes([]float32{0, 0})
	audio.SetAverageVolume(0.4)
	assert.InDeltaSlice(t, []float32{0.4, 0.4}, audio.Volumes(), 1e-6, "zero average sets every channel")
}

func TestPerceptualRoundTrip(t *testing.T) {
	for x := float32(0); x <= 1; x += 0.05 {
		assert.InDelta(t, x, PerceptualToLinear(LinearToPerceptual(x)), 1e-5)
	}

	assert.InDelta(t, 0.5, LinearToPerceptual(0.125), 1e-6)
	assert.False(t, math.IsNaN(float64(LinearToPerceptual(0))))
}

func TestNodeInfoEnumeratesProps(t *testing.T) {
	node, _, proxy := boundSink(t)

	info := &pw.NodeInfo{
		ChangeMask: pw.NodeChangeProps | pw.NodeChangeParams,
		Props:      map[string]string{"application.process.binary": "mpv"},
		Params: []pw.ParamInfo{
			{ID: spa.ParamProps, Flags: spa.ParamInfoReadWrite},
			{ID: spa.ParamEnumFormat, Flags: spa.ParamInfoRead},
		},
	}
	node.NodeInfo(info)

	require.Len(t, proxy.enums, 1)
	assert.Equal(t, spa.ParamProps, proxy.enums[0].id)
	assert.Equal(t, "mpv", node.Properties()["application.process.binary"])
	assert.Equal(t, "mpv", node.ProcessName())

	node.NodeInfo(info)
	assert.Len(t, proxy.enums, 1, "unchanged flags do not re-enumerate")

	info.Params[0].Flags ^= spa.ParamInfoSerial
	node.NodeInfo(info)
	assert.Len(t, proxy.enums, 2)

	node.Unref()
	assert.Nil(t, node.Properties())
}

func routedSetup(t *testing.T) (*Node, *Device, *fakeBridge) {
	t.Helper()

	registry, bridge, _ := newObservedRegistry(t)
	bridge.global(30, pw.InterfaceDevice, map[string]string{"device.name": "alsa_card.pci"})
	bridge.global(40, pw.InterfaceNode, map[string]string{
		"node.name":           "speakers",
		"media.class":         "Audio/Sink",
		"device.id":           "30",
		"card.profile.device": "4",
	})

	node := registry.Nodes()[40]
	device := registry.Devices()[30]

	return node, device, bridge
}

func TestRoutedNodeUsesDeviceRoute(t *testing.T) {
	node, device, bridge := routedSetup(t)

	routeDevice, ok := node.RouteDevice()
	require.True(t, ok)
	assert.Equal(t, int32(4), routeDevice)

	node.Ref()
	require.True(t, device.Bound(), "a bound routed node holds its device")
	assert.Same(t, device, node.Device())

	device.DeviceParam(routeParam(t, 7, 4, []float32{0.125, 0.125}))
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, node.Audio().Volumes(), 1e-6, "route volumes reach the node")

	device.DeviceParam(routeParam(t, 8, 5, []float32{1, 1}))
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, node.Audio().Volumes(), 1e-6, "other route devices are ignored")

	node.Audio().SetVolumes([]float32{1, 0.5})

	nodeProxy := bridge.proxy(t, 40)
	deviceProxy := bridge.proxy(t, 30)
	assert.Empty(t, nodeProxy.setParams)
	require.Len(t, deviceProxy.setParams, 1)
	assert.Equal(t, spa.ParamRoute, deviceProxy.setParams[0].id)

	route := decodeSetParam(t, deviceProxy.setParams[0])
	index, err := mustFind(t, route, spa.RouteIndex).GetInt()
	require.NoError(t, err)
	assert.Equal(t, int32(7), index)

	save, err := mustFind(t, route, spa.RouteSave).GetBool()
	require.NoError(t, err)
	assert.True(t, save)

	props, err := mustFind(t, route, spa.RouteProps).Object()
	require.NoError(t, err)
	volumes, err := floatArray(mustFind(t, props, spa.PropChannelVolumes))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0.125}, volumes, 1e-6)

	node.Unref()
	assert.False(t, device.Bound())
}
