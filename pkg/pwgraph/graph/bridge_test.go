package graph

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

var errBindRefused = errors.New("bind refused")

type enumCall struct {
	seq   int32
	id    spa.ParamType
	index uint32
	num   uint32
}

type setParamCall struct {
	id    spa.ParamType
	value []byte
}

type fakeProxy struct {
	id        uint32
	destroyed bool

	enums      []enumCall
	setParams  []setParamCall
	properties []pw.MetadataProperty
}

func (p *fakeProxy) ID() uint32 { return p.id }
func (p *fakeProxy) Destroy()   { p.destroyed = true }

func (p *fakeProxy) EnumParams(seq int32, id spa.ParamType, index, num uint32) error {
	p.enums = append(p.enums, enumCall{seq: seq, id: id, index: index, num: num})
	return nil
}

func (p *fakeProxy) SetParam(id spa.ParamType, _ uint32, value []byte) error {
	p.setParams = append(p.setParams, setParamCall{id: id, value: value})
	return nil
}

func (p *fakeProxy) SetProperty(subject uint32, key, typ, value string) error {
	p.properties = append(p.properties, pw.MetadataProperty{Subject: subject, Key: key, Type: typ, Value: value})
	return nil
}

// fakeBridge stands in for a PipeWire connection. Binds record the proxy
// handed out per global id.
type fakeBridge struct {
	valid   bool
	bindErr error

	seq   int32
	syncs []int32

	synced   signal.Signal[pw.SyncDone]
	polled   signal.Notifier
	registry pw.RegistryEvents

	nextProxy uint32
	proxies   map[uint32]*fakeProxy
	binds     map[uint32]int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		valid:     true,
		nextProxy: 3,
		proxies:   make(map[uint32]*fakeProxy),
		binds:     make(map[uint32]int),
	}
}

func (b *fakeBridge) IsValid() bool { return b.valid }

func (b *fakeBridge) Sync(uint32) int32 {
	b.seq++
	b.syncs = append(b.syncs, b.seq)

	return b.seq
}

func (b *fakeBridge) OnSynced(fn func(pw.SyncDone)) func() { return b.synced.Connect(fn) }

func (b *fakeBridge) OnPolled(fn func()) func() {
	return b.polled.Connect(func(struct{}) { fn() })
}

func (b *fakeBridge) SetRegistryEvents(events pw.RegistryEvents) { b.registry = events }

func (b *fakeBridge) bind(id uint32) (*fakeProxy, error) {
	if b.bindErr != nil {
		return nil, b.bindErr
	}

	p := &fakeProxy{id: b.nextProxy}
	b.nextProxy++
	b.proxies[id] = p
	b.binds[id]++

	return p, nil
}

func (b *fakeBridge) BindNode(id uint32, _ pw.NodeEvents) (pw.ParamProxy, error) {
	p, err := b.bind(id)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (b *fakeBridge) BindDevice(id uint32, _ pw.DeviceEvents) (pw.ParamProxy, error) {
	p, err := b.bind(id)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (b *fakeBridge) BindLink(id uint32, _ pw.LinkEvents) (pw.Proxy, error) {
	p, err := b.bind(id)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (b *fakeBridge) BindMetadata(id uint32, _ pw.MetadataEvents) (pw.MetadataProxy, error) {
	p, err := b.bind(id)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// proxy returns the live proxy of global id.
func (b *fakeBridge) proxy(t *testing.T, id uint32) *fakeProxy {
	t.Helper()

	p, ok := b.proxies[id]
	require.True(t, ok, "global %d was never bound", id)
	require.False(t, p.destroyed, "proxy of global %d was destroyed", id)

	return p
}

func (b *fakeBridge) done(seq int32) {
	b.synced.Emit(pw.SyncDone{ID: pw.CoreID, Seq: seq})
}

// initialize acknowledges both startup syncs.
func (b *fakeBridge) initialize() {
	b.done(b.syncs[len(b.syncs)-1])
	b.done(b.syncs[len(b.syncs)-1])
}

func (b *fakeBridge) poll() {
	signal.Notify(&b.polled)
}

func (b *fakeBridge) global(id uint32, typ string, props map[string]string) {
	b.registry.Global(pw.Global{ID: id, Type: typ, Version: 3, Props: props})
}

func (b *fakeBridge) addSink(id uint32, name string) {
	b.global(id, pw.InterfaceNode, map[string]string{"node.name": name, "media.class": "Audio/Sink"})
}

func (b *fakeBridge) addLink(id, output, input uint32) {
	b.global(id, pw.InterfaceLink, map[string]string{
		"link.output.node": uitoa(output),
		"link.input.node":  uitoa(input),
	})
}

func uitoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func newObservedRegistry(t *testing.T) (*Registry, *fakeBridge, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	bridge := newFakeBridge()
	registry := NewRegistry(zap.New(core).Sugar(), bridge)

	return registry, bridge, logs
}

func warnings(logs *observer.ObservedLogs) int {
	return logs.FilterLevelExact(zapcore.WarnLevel).Len()
}

func defects(logs *observer.ObservedLogs) int {
	return logs.FilterLevelExact(zapcore.DPanicLevel).Len()
}

func parsePod(t *testing.T, b *spa.Builder) spa.Pod {
	t.Helper()

	pod, _, err := spa.Parse(b.Bytes())
	require.NoError(t, err)

	return pod
}

func propsParam(t *testing.T, volumes []float32, channels []spa.AudioChannel, muted *bool) pw.Param {
	t.Helper()

	b := spa.NewBuilder()
	b.PushObject(spa.TypeObjectProps, uint32(spa.ParamProps))
	if volumes != nil {
		b.Prop(spa.PropChannelVolumes, 0)
		b.FloatArray(volumes)
	}
	if channels != nil {
		ids := make([]uint32, len(channels))
		for i, ch := range channels {
			ids[i] = uint32(ch)
		}
		b.Prop(spa.PropChannelMap, 0)
		b.IDArray(ids)
	}
	if muted != nil {
		b.Prop(spa.PropMute, 0)
		b.Bool(*muted)
	}
	b.Pop()

	return pw.Param{ID: spa.ParamProps, Value: parsePod(t, b)}
}

func routeParam(t *testing.T, index, device int32, volumes []float32) pw.Param {
	t.Helper()

	b := spa.NewBuilder()
	b.PushObject(spa.TypeObjectParamRoute, uint32(spa.ParamRoute))
	b.Prop(spa.RouteIndex, 0)
	b.Int(index)
	b.Prop(spa.RouteDevice, 0)
	b.Int(device)
	if volumes != nil {
		b.Prop(spa.RouteProps, 0)
		b.PushObject(spa.TypeObjectProps, uint32(spa.ParamRoute))
		b.Prop(spa.PropChannelVolumes, 0)
		b.FloatArray(volumes)
		b.Prop(spa.PropChannelMap, 0)
		b.IDArray([]uint32{uint32(spa.ChannelFL), uint32(spa.ChannelFR)})
		b.Pop()
	}
	b.Pop()

	return pw.Param{ID: spa.ParamRoute, Value: parsePod(t, b)}
}

func decodeSetParam(t *testing.T, call setParamCall) *spa.Object {
	t.Helper()

	pod, _, err := spa.Parse(call.value)
	require.NoError(t, err)

	obj, err := pod.Object()
	require.NoError(t, err)

	return obj
}
