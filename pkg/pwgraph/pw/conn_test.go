package pw

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

type fakeServer struct {
	t       *testing.T
	ln      *net.UnixListener
	conn    *net.UnixConn
	pending []byte
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pipewire-0")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	s := &fakeServer{t: t, ln: ln}
	t.Cleanup(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
		_ = ln.Close()
	})

	return s, path
}

func (s *fakeServer) accept() {
	s.t.Helper()

	require.NoError(s.t, s.ln.SetDeadline(time.Now().Add(5*time.Second)))

	conn, err := s.ln.AcceptUnix()
	require.NoError(s.t, err)

	s.conn = conn
}

func (s *fakeServer) read() (message, *spa.Reader) {
	s.t.Helper()

	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 4096)
	for {
		if m, n, ok := decodeMessage(s.pending); ok {
			s.pending = s.pending[n:]

			pod, _, err := spa.Parse(m.body)
			require.NoError(s.t, err)
			r, err := pod.Struct()
			require.NoError(s.t, err)

			return m, r
		}

		n, err := s.conn.Read(buf)
		require.NoError(s.t, err)
		s.pending = append(s.pending, buf[:n]...)
	}
}

func (s *fakeServer) write(id uint32, opcode uint8, b *spa.Builder) {
	s.t.Helper()

	data, err := encodeMessage(message{id: id, opcode: opcode, body: b.Bytes()})
	require.NoError(s.t, err)

	_, err = s.conn.Write(data)
	require.NoError(s.t, err)
}

func pollUntil(t *testing.T, c *Conn, done func() bool) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for !done() {
		select {
		case <-c.Readable():
			c.Poll()
		case <-deadline:
			t.Fatal("timed out waiting for PipeWire events")
		}
	}
}

type recordedRegistry struct {
	globals []Global
	removed []uint32
}

func (r *recordedRegistry) Global(g Global)        { r.globals = append(r.globals, g) }
func (r *recordedRegistry) GlobalRemove(id uint32) { r.removed = append(r.removed, id) }

type recordedNode struct {
	infos  []*NodeInfo
	params []Param
}

func (r *recordedNode) NodeInfo(info *NodeInfo) { r.infos = append(r.infos, info) }
func (r *recordedNode) NodeParam(param Param)   { r.params = append(r.params, param) }

func connectToFake(t *testing.T) (*Conn, *fakeServer) {
	t.Helper()

	server, path := newFakeServer(t)

	c := New(zaptest.NewLogger(t).Sugar(), Options{Remote: path, ClientName: "pwgraph-test"})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })

	server.accept()

	m, r := server.read()
	assert.Equal(t, CoreID, m.id)
	assert.Equal(t, uint8(coreMethodHello), m.opcode)
	assert.Equal(t, int32(versionCore), r.Int())

	m, r = server.read()
	assert.Equal(t, clientID, m.id)
	assert.Equal(t, uint8(clientMethodUpdateProperties), m.opcode)
	props, err := readDict(r)
	require.NoError(t, err)
	assert.Equal(t, "pwgraph-test", props["application.name"])

	m, r = server.read()
	assert.Equal(t, uint8(coreMethodGetRegistry), m.opcode)
	assert.Equal(t, int32(versionRegistry), r.Int())
	assert.Equal(t, int32(registryID), r.Int())

	return c, server
}

func TestConnectFailureLeavesConnInert(t *testing.T) {
	c := New(zaptest.NewLogger(t).Sugar(), Options{Remote: filepath.Join(t.TempDir(), "missing")})

	assert.Error(t, c.Connect())
	assert.False(t, c.IsValid())
	assert.Equal(t, int32(-1), c.Sync(CoreID))

	_, err := c.BindNode(40, &recordedNode{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSocketPath(t *testing.T) {
	t.Setenv("PIPEWIRE_REMOTE", "")
	t.Setenv("PIPEWIRE_RUNTIME_DIR", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	path, err := SocketPath("")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/pipewire-0", path)

	t.Setenv("PIPEWIRE_REMOTE", "pipewire-1")
	path, err = SocketPath("")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/pipewire-1", path)

	path, err = SocketPath("/tmp/custom")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom", path)
}

func TestRegistryEventsAndSync(t *testing.T) {
	c, server := connectToFake(t)

	registry := &recordedRegistry{}
	c.SetRegistryEvents(registry)

	var done []SyncDone
	c.OnSynced(func(d SyncDone) { done = append(done, d) })

	polls := 0
	c.OnPolled(func() { polls++ })

	seq := c.Sync(CoreID)
	assert.Positive(t, seq)

	m, r := server.read()
	assert.Equal(t, uint8(coreMethodSync), m.opcode)
	assert.Equal(t, int32(CoreID), r.Int())
	assert.Equal(t, seq, r.Int())

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(40)
	b.Int(0x1c9)
	b.String(InterfaceNode)
	b.Int(3)
	writeDict(b, map[string]string{"media.class": "Audio/Sink"})
	b.Pop()
	server.write(registryID, registryEventGlobal, b)

	b.Reset()
	b.PushStruct()
	b.Int(int32(CoreID))
	b.Int(seq)
	b.Pop()
	server.write(CoreID, coreEventDone, b)

	b.Reset()
	b.PushStruct()
	b.Int(40)
	b.Pop()
	server.write(registryID, registryEventGlobalRemove, b)

	pollUntil(t, c, func() bool { return len(registry.removed) == 1 })

	require.Len(t, registry.globals, 1)
	assert.Equal(t, uint32(40), registry.globals[0].ID)
	assert.Equal(t, "Audio/Sink", registry.globals[0].Props["media.class"])
	assert.Equal(t, []SyncDone{{ID: CoreID, Seq: seq}}, done)
	assert.Equal(t, []uint32{40}, registry.removed)
	assert.Positive(t, polls)
}

func TestPingIsAnswered(t *testing.T) {
	c, server := connectToFake(t)

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(0)
	b.Int(77)
	b.Pop()
	server.write(CoreID, coreEventPing, b)

	select {
	case <-c.Readable():
		c.Poll()
	case <-time.After(5 * time.Second):
		t.Fatal("ping never arrived")
	}

	m, r := server.read()
	assert.Equal(t, uint8(coreMethodPong), m.opcode)
	assert.Equal(t, int32(0), r.Int())
	assert.Equal(t, int32(77), r.Int())
}

func TestBindNodeRoutesEvents(t *testing.T) {
	c, server := connectToFake(t)

	node := &recordedNode{}
	px, err := c.BindNode(40, node)
	require.NoError(t, err)
	assert.Equal(t, uint32(firstFreeID), px.ID())

	m, r := server.read()
	assert.Equal(t, registryID, m.id)
	assert.Equal(t, uint8(registryMethodBind), m.opcode)
	assert.Equal(t, int32(40), r.Int())
	assert.Equal(t, InterfaceNode, r.Text())
	assert.Equal(t, int32(versionNode), r.Int())
	assert.Equal(t, int32(px.ID()), r.Int())

	require.NoError(t, px.EnumParams(5, spa.ParamProps, 0, 1))

	m, r = server.read()
	assert.Equal(t, px.ID(), m.id)
	assert.Equal(t, uint8(paramMethodEnumParams), m.opcode)
	assert.Equal(t, int32(5), r.Int())
	assert.Equal(t, uint32(spa.ParamProps), r.ID())

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(5)
	b.ID(uint32(spa.ParamProps))
	b.Int(0)
	b.Int(1)
	b.PushObject(spa.TypeObjectProps, uint32(spa.ParamProps))
	b.Prop(spa.PropMute, 0)
	b.Bool(true)
	b.Pop()
	b.Pop()
	server.write(px.ID(), paramEventParam, b)

	pollUntil(t, c, func() bool { return len(node.params) == 1 })
	assert.Equal(t, spa.ParamProps, node.params[0].ID)

	px.Destroy()

	m, r = server.read()
	assert.Equal(t, CoreID, m.id)
	assert.Equal(t, uint8(coreMethodDestroy), m.opcode)
	assert.Equal(t, int32(px.ID()), r.Int())

	assert.ErrorIs(t, px.EnumParams(1, spa.ParamProps, 0, 1), ErrNotConnected)

	// events racing the destroy are dropped
	server.write(px.ID(), paramEventParam, b)

	b.Reset()
	b.PushStruct()
	b.Int(int32(px.ID()))
	b.Pop()
	server.write(CoreID, coreEventRemoveID, b)

	b.Reset()
	b.PushStruct()
	b.Int(int32(CoreID))
	b.Int(99)
	b.Pop()
	server.write(CoreID, coreEventDone, b)

	synced := false
	c.OnSynced(func(SyncDone) { synced = true })
	pollUntil(t, c, func() bool { return synced })

	assert.Len(t, node.params, 1)

	next, err := c.BindNode(41, node)
	require.NoError(t, err)
	assert.Equal(t, px.ID(), next.ID(), "removed ids are reused")
}

func TestConnectionLossMakesConnInert(t *testing.T) {
	c, server := connectToFake(t)
	require.True(t, c.IsValid())

	require.NoError(t, server.conn.Close())

	pollUntil(t, c, func() bool { return !c.IsValid() })

	assert.Equal(t, int32(-1), c.Sync(CoreID))
}
