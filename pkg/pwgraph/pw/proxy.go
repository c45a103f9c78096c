package pw

import (
	"fmt"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// Proxy is a client-side handle on a bound server object.
type Proxy interface {
	// ID is the local proxy id, not the global id.
	ID() uint32

	// Destroy asks the server to drop the binding. Events for the proxy
	// are discarded from then on. Calling it again is a no-op.
	Destroy()
}

// ParamProxy is a bound node or device.
type ParamProxy interface {
	Proxy

	// EnumParams requests up to num values of id starting at index. Results
	// arrive as param events tagged with seq.
	EnumParams(seq int32, id spa.ParamType, index, num uint32) error

	// SetParam writes value, a complete pod, as parameter id.
	SetParam(id spa.ParamType, flags uint32, value []byte) error
}

// MetadataProxy is a bound metadata object.
type MetadataProxy interface {
	Proxy

	SetProperty(subject uint32, key, typ, value string) error
}

type proxy struct {
	conn   *Conn
	id     uint32
	global uint32
	iface  string
	zombie bool
	events func(opcode uint8, r *spa.Reader) error
}

func (p *proxy) ID() uint32 {
	return p.id
}

func (p *proxy) Destroy() {
	if p.zombie {
		return
	}

	p.zombie = true

	if !p.conn.valid {
		return
	}

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(int32(p.id))
	b.Pop()

	if err := p.conn.send(CoreID, coreMethodDestroy, b.Bytes()); err != nil {
		p.conn.logger.Warnw("Failed to destroy proxy", "id", p.id, "global", p.global, "error", err)
	}
}

func (p *proxy) handle(opcode uint8, r *spa.Reader) error {
	return p.events(opcode, r)
}

func (p *proxy) call(opcode uint8, b *spa.Builder) error {
	if p.zombie {
		return fmt.Errorf("call %s method %d on destroyed proxy %d: %w", p.iface, opcode, p.id, ErrNotConnected)
	}

	return p.conn.send(p.id, opcode, b.Bytes())
}

type paramProxy struct {
	*proxy
}

func (p paramProxy) EnumParams(seq int32, id spa.ParamType, index, num uint32) error {
	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(seq)
	b.ID(uint32(id))
	b.Int(int32(index))
	b.Int(int32(num))
	b.None()
	b.Pop()

	return p.call(paramMethodEnumParams, b)
}

func (p paramProxy) SetParam(id spa.ParamType, flags uint32, value []byte) error {
	b := spa.NewBuilder()
	b.PushStruct()
	b.ID(uint32(id))
	b.Int(int32(flags))
	b.Raw(value)
	b.Pop()

	return p.call(paramMethodSetParam, b)
}

type metadataProxy struct {
	*proxy
}

func (p metadataProxy) SetProperty(subject uint32, key, typ, value string) error {
	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(int32(subject))
	b.String(key)
	b.String(typ)
	b.String(value)
	b.Pop()

	return p.call(metadataMethodSetProperty, b)
}

func (c *Conn) allocID() uint32 {
	if n := len(c.freeIDs); n > 0 {
		id := c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]

		return id
	}

	id := c.nextID
	c.nextID++

	return id
}

// removeID handles the server releasing a proxy id. A proxy the server
// dropped on its own becomes a zombie and never sends again.
func (c *Conn) removeID(id uint32) {
	p, ok := c.proxies[id]
	if !ok {
		return
	}

	p.zombie = true
	delete(c.proxies, id)
	c.freeIDs = append(c.freeIDs, id)
}

func (c *Conn) bind(global uint32, iface string, version int32, events func(uint8, *spa.Reader) error) (*proxy, error) {
	if !c.valid {
		return nil, ErrNotConnected
	}

	p := &proxy{
		conn:   c,
		id:     c.allocID(),
		global: global,
		iface:  iface,
		events: events,
	}

	b := spa.NewBuilder()
	b.PushStruct()
	b.Int(int32(global))
	b.String(iface)
	b.Int(version)
	b.Int(int32(p.id))
	b.Pop()

	if err := c.send(registryID, registryMethodBind, b.Bytes()); err != nil {
		c.freeIDs = append(c.freeIDs, p.id)
		return nil, fmt.Errorf("bind %s %d: %w", iface, global, err)
	}

	c.proxies[p.id] = p

	c.logger.Debugw("Bound global", "global", global, "type", iface, "proxy", p.id)

	return p, nil
}

// BindNode binds the node global id and routes its events to events.
func (c *Conn) BindNode(id uint32, events NodeEvents) (ParamProxy, error) {
	p, err := c.bind(id, InterfaceNode, versionNode, func(opcode uint8, r *spa.Reader) error {
		switch opcode {
		case paramEventInfo:
			info, err := readNodeInfo(r)
			if err != nil {
				return err
			}
			events.NodeInfo(info)
		case paramEventParam:
			param, err := readParam(r)
			if err != nil {
				return err
			}
			events.NodeParam(param)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return paramProxy{p}, nil
}

// BindDevice binds the device global id and routes its events to events.
func (c *Conn) BindDevice(id uint32, events DeviceEvents) (ParamProxy, error) {
	p, err := c.bind(id, InterfaceDevice, versionDevice, func(opcode uint8, r *spa.Reader) error {
		switch opcode {
		case paramEventInfo:
			info, err := readDeviceInfo(r)
			if err != nil {
				return err
			}
			events.DeviceInfo(info)
		case paramEventParam:
			param, err := readParam(r)
			if err != nil {
				return err
			}
			events.DeviceParam(param)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return paramProxy{p}, nil
}

// BindLink binds the link global id and routes its events to events.
func (c *Conn) BindLink(id uint32, events LinkEvents) (Proxy, error) {
	p, err := c.bind(id, InterfaceLink, versionLink, func(opcode uint8, r *spa.Reader) error {
		if opcode != linkEventInfo {
			return nil
		}

		info, err := readLinkInfo(r)
		if err != nil {
			return err
		}
		events.LinkInfo(info)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// BindMetadata binds the metadata global id and routes its events to events.
func (c *Conn) BindMetadata(id uint32, events MetadataEvents) (MetadataProxy, error) {
	p, err := c.bind(id, InterfaceMetadata, versionMetadata, func(opcode uint8, r *spa.Reader) error {
		if opcode != metadataEventProperty {
			return nil
		}

		prop, err := readMetadataProperty(r)
		if err != nil {
			return err
		}
		events.MetadataProperty(prop)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return metadataProxy{p}, nil
}
