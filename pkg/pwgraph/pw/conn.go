// Package pw speaks the PipeWire native protocol and bridges its event
// stream into a single host event loop.
package pw

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

const (
	defaultRemote = "pipewire-0"
	readChunkSize = 16 * 1024
	maxFdsPerRead = 28
)

// ErrNotConnected is returned by operations on an inert connection.
var ErrNotConnected = errors.New("pipewire connection is not established")

// Options configures a connection.
type Options struct {
	// Remote is a socket name resolved against the runtime directory, or an
	// absolute socket path. Empty means $PIPEWIRE_REMOTE, then "pipewire-0".
	Remote string

	// ClientName is announced as application.name.
	ClientName string

	// Properties are extra client properties sent after the handshake.
	Properties map[string]string
}

// Conn owns the connection to the PipeWire server. Server events are queued
// by a reader goroutine and dispatched on whichever goroutine calls Poll,
// which must be the same goroutine for the lifetime of the Conn.
type Conn struct {
	logger *zap.SugaredLogger
	opts   Options

	sock  *net.UnixConn
	valid bool

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	seq      int32
	nextID   uint32
	freeIDs  []uint32
	proxies  map[uint32]*proxy
	registry RegistryEvents

	synced signal.Signal[SyncDone]
	polled signal.Notifier
}

// New returns an unconnected, inert Conn.
func New(logger *zap.SugaredLogger, opts Options) *Conn {
	logger = logger.Named("pipewire")

	c := &Conn{
		logger:  logger,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		nextID:  firstFreeID,
		proxies: make(map[uint32]*proxy),
	}

	logger.Debug("Created PipeWire connection instance")

	return c
}

// SocketPath resolves the socket a connection with the given remote would dial.
func SocketPath(remote string) (string, error) {
	if remote == "" {
		remote = os.Getenv("PIPEWIRE_REMOTE")
	}
	if remote == "" {
		remote = defaultRemote
	}

	if filepath.IsAbs(remote) {
		return remote, nil
	}

	for _, env := range []string{"PIPEWIRE_RUNTIME_DIR", "XDG_RUNTIME_DIR", "USERPROFILE"} {
		if dir := os.Getenv(env); dir != "" {
			return filepath.Join(dir, remote), nil
		}
	}

	return "", errors.New("no runtime directory to look for the PipeWire socket in")
}

// Connect dials the server and performs the handshake. On failure the Conn
// stays inert; it is never retried.
func (c *Conn) Connect() error {
	path, err := SocketPath(c.opts.Remote)
	if err != nil {
		c.logger.Warnw("Failed to resolve PipeWire socket", "error", err)
		return fmt.Errorf("resolve PipeWire socket: %w", err)
	}

	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		c.logger.Warnw("Failed to establish PipeWire connection", "path", path, "error", err)
		return fmt.Errorf("establish PipeWire connection: %w", err)
	}

	c.sock = sock
	c.valid = true

	if err := c.handshake(); err != nil {
		c.logger.Warnw("PipeWire handshake failed", "error", err)
		c.valid = false
		_ = sock.Close()

		return fmt.Errorf("pipewire handshake: %w", err)
	}

	go c.readLoop(sock)

	c.logger.Infow("Connected to PipeWire", "path", path)

	return nil
}

func (c *Conn) handshake() error {
	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(versionCore)
	b.Pop()

	if err := c.send(CoreID, coreMethodHello, b.Bytes()); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	props := map[string]string{}
	for k, v := range c.opts.Properties {
		props[k] = v
	}
	if c.opts.ClientName != "" {
		props["application.name"] = c.opts.ClientName
	}
	props["application.process.id"] = fmt.Sprint(os.Getpid())

	b.Reset()
	b.PushStruct()
	writeDict(b, props)
	b.Pop()

	if err := c.send(clientID, clientMethodUpdateProperties, b.Bytes()); err != nil {
		return fmt.Errorf("send client properties: %w", err)
	}

	b.Reset()
	b.PushStruct()
	b.Int(versionRegistry)
	b.Int(int32(registryID))
	b.Pop()

	if err := c.send(CoreID, coreMethodGetRegistry, b.Bytes()); err != nil {
		return fmt.Errorf("request registry: %w", err)
	}

	return nil
}

// IsValid reports whether the connection is established and usable.
func (c *Conn) IsValid() bool {
	return c.valid
}

// Readable is signalled whenever events are waiting for Poll.
func (c *Conn) Readable() <-chan struct{} {
	return c.wake
}

// SetRegistryEvents installs the receiver of global add/remove events.
func (c *Conn) SetRegistryEvents(events RegistryEvents) {
	c.registry = events
}

// Invoke queues fn to run during the next Poll. Safe for concurrent use.
func (c *Conn) Invoke(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Poll dispatches everything queued so far in delivery order, then emits Polled.
func (c *Conn) Poll() {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, fn := range queue {
		fn()
	}

	signal.Notify(&c.polled)
}

// OnSynced registers fn for every acknowledged Sync.
func (c *Conn) OnSynced(fn func(SyncDone)) (disconnect func()) {
	return c.synced.Connect(fn)
}

// OnPolled registers fn to run after every Poll drain.
func (c *Conn) OnPolled(fn func()) (disconnect func()) {
	return c.polled.Connect(func(struct{}) { fn() })
}

// Sync asks the server to acknowledge id once it has processed everything
// sent before. The returned sequence is reported back through OnSynced.
func (c *Conn) Sync(id uint32) int32 {
	if !c.valid {
		c.logger.Warnw("Sync requested on an invalid connection", "id", id)
		return -1
	}

	seq := c.nextSeq()

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(int32(id))
	b.Int(seq)
	b.Pop()

	if err := c.write(CoreID, coreMethodSync, seq, b.Bytes()); err != nil {
		c.logger.Warnw("Failed to send sync", "id", id, "error", err)
		return -1
	}

	return seq
}

// Close shuts the socket down. Queued events are discarded.
func (c *Conn) Close() error {
	if c.sock == nil {
		return nil
	}

	c.valid = false

	c.mu.Lock()
	c.queue = nil
	c.mu.Unlock()

	if err := c.sock.Close(); err != nil {
		c.logger.Warnw("Failed to close PipeWire connection", "error", err)
		return fmt.Errorf("close PipeWire connection: %w", err)
	}

	c.logger.Debug("Closed PipeWire connection")

	return nil
}

func (c *Conn) nextSeq() int32 {
	c.seq++
	return c.seq
}

func (c *Conn) send(id uint32, opcode uint8, body []byte) error {
	return c.write(id, opcode, c.nextSeq(), body)
}

func (c *Conn) write(id uint32, opcode uint8, seq int32, body []byte) error {
	if !c.valid {
		return ErrNotConnected
	}

	data, err := encodeMessage(message{id: id, opcode: opcode, seq: seq, body: body})
	if err != nil {
		return err
	}

	if _, err := c.sock.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

func (c *Conn) readLoop(sock *net.UnixConn) {
	var pending []byte

	chunk := make([]byte, readChunkSize)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerRead*4))

	for {
		n, oobn, _, _, err := sock.ReadMsgUnix(chunk, oob)
		if oobn > 0 {
			c.closePassedFds(oob[:oobn])
		}

		if err != nil {
			c.Invoke(func() { c.connectionLost(err) })
			return
		}

		pending = append(pending, chunk[:n]...)

		for {
			msg, used, ok := decodeMessage(pending)
			if !ok {
				break
			}

			pending = pending[used:]
			c.Invoke(func() { c.dispatch(msg) })
		}

		if len(pending) == 0 {
			pending = nil
		}
	}
}

// closePassedFds closes descriptors attached to messages. The mirror never
// maps server memory, so none of them are needed.
func (c *Conn) closePassedFds(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		c.logger.Debugw("Failed to parse socket control message", "error", err)
		return
	}

	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}

		for _, fd := range fds {
			_ = unix.Close(fd)
		}
	}
}

func (c *Conn) connectionLost(err error) {
	if !c.valid {
		return
	}

	c.logger.Warnw("Lost PipeWire connection", "error", err)
	c.valid = false
}

func (c *Conn) dispatch(msg message) {
	pod, _, err := spa.Parse(msg.body)
	if err != nil {
		c.logger.Warnw("Dropped malformed message", "id", msg.id, "opcode", msg.opcode, "error", err)
		return
	}

	r, err := pod.Struct()
	if err != nil {
		c.logger.Warnw("Dropped message without argument struct", "id", msg.id, "opcode", msg.opcode, "error", err)
		return
	}

	switch msg.id {
	case CoreID:
		err = c.handleCoreEvent(msg.opcode, r)
	case registryID:
		err = c.handleRegistryEvent(msg.opcode, r)
	default:
		px, ok := c.proxies[msg.id]
		if !ok || px.zombie {
			c.logger.Debugw("Dropped event for unknown or destroyed proxy", "id", msg.id, "opcode", msg.opcode)
			return
		}

		err = px.handle(msg.opcode, r)
	}

	if err != nil {
		c.logger.Warnw("Dropped malformed event", "id", msg.id, "opcode", msg.opcode, "error", err)
	}
}

func (c *Conn) handleCoreEvent(opcode uint8, r *spa.Reader) error {
	switch opcode {
	case coreEventInfo:
		id := r.Int()
		_ = r.Int() // cookie
		user := r.Text()
		host := r.Text()
		version := r.Text()
		name := r.Text()

		if err := r.Err(); err != nil {
			return fmt.Errorf("read core info: %w", err)
		}

		c.logger.Infow("PipeWire core info", "id", id, "name", name, "version", version, "user", user, "host", host)

	case coreEventDone:
		id := uint32(r.Int())
		seq := r.Int()

		if err := r.Err(); err != nil {
			return fmt.Errorf("read core done: %w", err)
		}

		c.synced.Emit(SyncDone{ID: id, Seq: seq})

	case coreEventPing:
		id := r.Int()
		seq := r.Int()

		if err := r.Err(); err != nil {
			return fmt.Errorf("read core ping: %w", err)
		}

		b := spa.NewBuilder()
		b.PushStruct()
		b.Int(id)
		b.Int(seq)
		b.Pop()

		if err := c.send(CoreID, coreMethodPong, b.Bytes()); err != nil {
			c.logger.Warnw("Failed to answer ping", "error", err)
		}

	case coreEventError:
		id := r.Int()
		seq := r.Int()
		res := r.Int()
		text := r.Text()

		if err := r.Err(); err != nil {
			return fmt.Errorf("read core error: %w", err)
		}

		c.logger.Warnw("PipeWire reported an error", "id", id, "seq", seq, "res", res, "message", text)

	case coreEventRemoveID:
		id := uint32(r.Int())

		if err := r.Err(); err != nil {
			return fmt.Errorf("read remove id: %w", err)
		}

		c.removeID(id)

	case coreEventBoundID, coreEventBoundProps, coreEventAddMem, coreEventRemoveMem:
		// fds of AddMem were already closed by the reader

	default:
		c.logger.Debugw("Ignoring unknown core event", "opcode", opcode)
	}

	return nil
}

func (c *Conn) handleRegistryEvent(opcode uint8, r *spa.Reader) error {
	switch opcode {
	case registryEventGlobal:
		global, err := readGlobal(r)
		if err != nil {
			return err
		}

		if c.registry != nil {
			c.registry.Global(global)
		}

	case registryEventGlobalRemove:
		id := uint32(r.Int())

		if err := r.Err(); err != nil {
			return fmt.Errorf("read global remove: %w", err)
		}

		if c.registry != nil {
			c.registry.GlobalRemove(id)
		}

	default:
		c.logger.Debugw("Ignoring unknown registry event", "opcode", opcode)
	}

	return nil
}
