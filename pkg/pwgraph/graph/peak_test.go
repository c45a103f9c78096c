package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

type fakeCapture struct {
	target CaptureTarget
	sink   CaptureSink
	closed bool
}

func (c *fakeCapture) Close() { c.closed = true }

type fakeCaptureFactory struct {
	err     error
	streams []*fakeCapture
}

func (f *fakeCaptureFactory) OpenCapture(target CaptureTarget, sink CaptureSink) (CaptureStream, error) {
	if f.err != nil {
		return nil, f.err
	}

	stream := &fakeCapture{target: target, sink: sink}
	f.streams = append(f.streams, stream)

	return stream, nil
}

func (f *fakeCaptureFactory) last(t *testing.T) *fakeCapture {
	t.Helper()
	require.NotEmpty(t, f.streams)

	return f.streams[len(f.streams)-1]
}

func newMonitorSetup(t *testing.T) (*PeakMonitor, *fakeCaptureFactory, *Registry, *fakeBridge) {
	t.Helper()

	registry, bridge, _ := newObservedRegistry(t)
	factory := &fakeCaptureFactory{}

	return NewPeakMonitor(registry.logger, factory), factory, registry, bridge
}

func TestPeakMonitorLifecycle(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")
	node := registry.Nodes()[40]

	assert.Equal(t, PeakIdle, monitor.State())

	monitor.SetNode(node)
	require.Len(t, factory.streams, 1)
	assert.True(t, node.Bound(), "the monitor holds its node")
	assert.Equal(t, PeakStarting, monitor.State())

	stream := factory.last(t)
	assert.Equal(t, CaptureTarget{NodeID: 40, NodeName: "speakers", IsSink: true}, stream.target)

	stream.sink.CaptureFormat(stereo)
	assert.Equal(t, PeakFormatNegotiated, monitor.State())
	assert.Equal(t, stereo, monitor.Channels())
	assert.Equal(t, []float32{0, 0}, monitor.Peaks())

	stream.sink.CaptureSamples([]float32{0.125, -0.5, -0.064, 0.25})
	assert.Equal(t, PeakRunning, monitor.State())
	assert.InDeltaSlice(t, []float32{0.5, 0.7937005}, monitor.Peaks(), 1e-5)
	assert.InDelta(t, 0.7937005, monitor.Peak(), 1e-5)

	stream.sink.CapturePaused()
	assert.Equal(t, PeakStarting, monitor.State())
	assert.Equal(t, []float32{0, 0}, monitor.Peaks())

	monitor.SetNode(nil)
	assert.True(t, stream.closed)
	assert.False(t, node.Bound())
	assert.Equal(t, PeakIdle, monitor.State())
	assert.Empty(t, monitor.Peaks())
}

func TestPeaksDividedByChannelVolume(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")
	node := registry.Nodes()[40]

	monitor.SetNode(node)
	node.NodeParam(propsParam(t, []float32{0.125, 0}, stereo, nil))

	stream := factory.last(t)
	stream.sink.CaptureFormat(stereo)
	stream.sink.CaptureSamples([]float32{0.027, 0.125})

	assert.InDeltaSlice(t, []float32{0.6, 0.5}, monitor.Peaks(), 1e-5, "silent channels are not divided")
}

func TestSamplesBeforeFormatIgnored(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")

	monitor.SetNode(registry.Nodes()[40])
	factory.last(t).sink.CaptureSamples([]float32{1, 1})

	assert.Equal(t, PeakStarting, monitor.State())
	assert.Empty(t, monitor.Peaks())
}

func TestDisableClosesStream(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")

	monitor.SetNode(registry.Nodes()[40])
	stream := factory.last(t)
	stream.sink.CaptureFormat(stereo)

	monitor.SetEnabled(false)
	assert.True(t, stream.closed)
	assert.Equal(t, PeakIdle, monitor.State())
	assert.Empty(t, monitor.Channels())

	monitor.SetEnabled(true)
	assert.Len(t, factory.streams, 2)
	assert.Equal(t, PeakStarting, monitor.State())
}

func TestNonAudioNodeOpensNoStream(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.global(40, pw.InterfaceNode, map[string]string{"node.name": "camera", "media.class": "Video/Source"})

	monitor.SetNode(registry.Nodes()[40])

	assert.Empty(t, factory.streams)
	assert.Equal(t, PeakIdle, monitor.State())
}

func TestStaleCaptureCallbacksIgnored(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")
	bridge.addSink(41, "headphones")

	monitor.SetNode(registry.Nodes()[40])
	old := factory.last(t)

	monitor.SetNode(registry.Nodes()[41])
	current := factory.last(t)
	require.NotSame(t, old, current)
	assert.True(t, old.closed)

	old.sink.CaptureFormat([]spa.AudioChannel{spa.ChannelMono})
	old.sink.CaptureFailed(errors.New("gone"))
	assert.Equal(t, PeakStarting, monitor.State())
	assert.Empty(t, monitor.Channels())

	current.sink.CaptureFormat(stereo)
	assert.Equal(t, stereo, monitor.Channels())
}

func TestCaptureFailure(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")

	factory.err = errors.New("no server")
	monitor.SetNode(registry.Nodes()[40])
	assert.Equal(t, PeakIdle, monitor.State())

	factory.err = nil
	monitor.SetEnabled(false)
	monitor.SetEnabled(true)

	stream := factory.last(t)
	stream.sink.CaptureFormat(stereo)
	stream.sink.CaptureFailed(errors.New("stream died"))

	assert.Equal(t, PeakIdle, monitor.State())
	assert.Empty(t, monitor.Peaks())
}

func TestMonitoredNodeRemoved(t *testing.T) {
	monitor, factory, registry, bridge := newMonitorSetup(t)
	bridge.addSink(40, "speakers")

	monitor.SetNode(registry.Nodes()[40])
	stream := factory.last(t)

	bridge.registry.GlobalRemove(40)

	assert.Nil(t, monitor.Node())
	assert.True(t, stream.closed)
	assert.Equal(t, PeakIdle, monitor.State())
	assert.Len(t, factory.streams, 1)
}
