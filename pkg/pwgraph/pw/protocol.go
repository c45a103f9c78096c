package pw

import (
	"fmt"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// Interface type names announced by the registry.
const (
	InterfaceCore     = "PipeWire:Interface:Core"
	InterfaceClient   = "PipeWire:Interface:Client"
	InterfaceRegistry = "PipeWire:Interface:Registry"
	InterfaceNode     = "PipeWire:Interface:Node"
	InterfaceDevice   = "PipeWire:Interface:Device"
	InterfaceLink     = "PipeWire:Interface:Link"
	InterfaceMetadata = "PipeWire:Interface:Metadata"
)

const (
	versionCore     = 3
	versionRegistry = 3
	versionNode     = 3
	versionDevice   = 3
	versionLink     = 3
	versionMetadata = 3
)

// CoreID is the id of the core proxy, the target of startup syncs.
const CoreID uint32 = 0

const (
	clientID   uint32 = 1
	registryID uint32 = 2
	firstFreeID       = 3
)

const (
	coreMethodHello       = 1
	coreMethodSync        = 2
	coreMethodPong        = 3
	coreMethodError       = 4
	coreMethodGetRegistry = 5
	coreMethodDestroy     = 7

	coreEventInfo       = 0
	coreEventDone       = 1
	coreEventPing       = 2
	coreEventError      = 3
	coreEventRemoveID   = 4
	coreEventBoundID    = 5
	coreEventAddMem     = 6
	coreEventRemoveMem  = 7
	coreEventBoundProps = 8

	clientMethodUpdateProperties = 2

	registryMethodBind = 1

	registryEventGlobal       = 0
	registryEventGlobalRemove = 1

	paramMethodSubscribeParams = 1
	paramMethodEnumParams      = 2
	paramMethodSetParam        = 3

	paramEventInfo  = 0
	paramEventParam = 1

	linkEventInfo = 0

	metadataMethodSetProperty = 1
	metadataMethodClear       = 2

	metadataEventProperty = 0
)

// Node info change mask bits.
const (
	NodeChangeInputPorts  uint64 = 1 << 0
	NodeChangeOutputPorts uint64 = 1 << 1
	NodeChangeState       uint64 = 1 << 2
	NodeChangeProps       uint64 = 1 << 3
	NodeChangeParams      uint64 = 1 << 4
)

// Device info change mask bits.
const (
	DeviceChangeProps  uint64 = 1 << 0
	DeviceChangeParams uint64 = 1 << 1
)

// Link info change mask bits.
const (
	LinkChangeState  uint64 = 1 << 0
	LinkChangeFormat uint64 = 1 << 1
	LinkChangeProps  uint64 = 1 << 2
)

// Global is an object announced by the registry.
type Global struct {
	ID          uint32
	Permissions uint32
	Type        string
	Version     uint32
	Props       map[string]string
}

// ParamInfo is an entry in an object's advertised parameter list.
type ParamInfo struct {
	ID    spa.ParamType
	Flags uint32
}

// Param is a parameter value delivered by EnumParams or a subscription.
type Param struct {
	Seq   int32
	ID    spa.ParamType
	Index uint32
	Next  uint32
	Value spa.Pod
}

// NodeInfo is the payload of a node info event.
type NodeInfo struct {
	ID             uint32
	MaxInputPorts  uint32
	MaxOutputPorts uint32
	ChangeMask     uint64
	NInputPorts    uint32
	NOutputPorts   uint32
	State          int32
	Error          string
	Props          map[string]string
	Params         []ParamInfo
}

// DeviceInfo is the payload of a device info event.
type DeviceInfo struct {
	ID         uint32
	ChangeMask uint64
	Props      map[string]string
	Params     []ParamInfo
}

// LinkInfo is the payload of a link info event.
type LinkInfo struct {
	ID           uint32
	OutputNodeID uint32
	OutputPortID uint32
	InputNodeID  uint32
	InputPortID  uint32
	ChangeMask   uint64
	State        int32
	Error        string
	Format       spa.Pod
	Props        map[string]string
}

// MetadataProperty is one metadata update. An empty Key clears all keys of Subject.
type MetadataProperty struct {
	Subject uint32
	Key     string
	Type    string
	Value   string
}

// SyncDone reports a completed Sync round trip.
type SyncDone struct {
	ID  uint32
	Seq int32
}

// RegistryEvents receives global add and remove notifications.
type RegistryEvents interface {
	Global(global Global)
	GlobalRemove(id uint32)
}

// NodeEvents receives events of a bound node.
type NodeEvents interface {
	NodeInfo(info *NodeInfo)
	NodeParam(param Param)
}

// DeviceEvents receives events of a bound device.
type DeviceEvents interface {
	DeviceInfo(info *DeviceInfo)
	DeviceParam(param Param)
}

// LinkEvents receives events of a bound link.
type LinkEvents interface {
	LinkInfo(info *LinkInfo)
}

// MetadataEvents receives events of a bound metadata object.
type MetadataEvents interface {
	MetadataProperty(prop MetadataProperty)
}

func writeDict(b *spa.Builder, dict map[string]string) {
	b.PushStruct()
	b.Int(int32(len(dict)))
	for k, v := range dict {
		b.String(k)
		b.String(v)
	}
	b.Pop()
}

func readDict(r *spa.Reader) (map[string]string, error) {
	inner := r.Struct()
	n := inner.Int()
	if n < 0 {
		return nil, fmt.Errorf("read dict: negative item count %d", n)
	}

	dict := make(map[string]string)
	for i := int32(0); i < n && inner.Err() == nil; i++ {
		key := inner.Text()
		dict[key] = inner.Text()
	}

	if err := inner.Err(); err != nil {
		return nil, fmt.Errorf("read dict: %w", err)
	}

	return dict, nil
}

func readParamInfos(r *spa.Reader) ([]ParamInfo, error) {
	inner := r.Struct()
	n := inner.Int()
	if n < 0 {
		return nil, fmt.Errorf("read param infos: negative item count %d", n)
	}

	var params []ParamInfo
	for i := int32(0); i < n && inner.Err() == nil; i++ {
		id := inner.Enum()
		flags := inner.Int()
		params = append(params, ParamInfo{ID: spa.ParamType(id), Flags: uint32(flags)})
	}

	if err := inner.Err(); err != nil {
		return nil, fmt.Errorf("read param infos: %w", err)
	}

	return params, nil
}

func readGlobal(r *spa.Reader) (Global, error) {
	g := Global{
		ID:          uint32(r.Int()),
		Permissions: uint32(r.Int()),
		Type:        r.Text(),
		Version:     uint32(r.Int()),
	}

	props, err := readDict(r)
	if err != nil {
		return Global{}, err
	}
	if err := r.Err(); err != nil {
		return Global{}, fmt.Errorf("read global: %w", err)
	}

	g.Props = props

	return g, nil
}

func readNodeInfo(r *spa.Reader) (*NodeInfo, error) {
	info := &NodeInfo{
		ID:             uint32(r.Int()),
		MaxInputPorts:  uint32(r.Int()),
		MaxOutputPorts: uint32(r.Int()),
		ChangeMask:     uint64(r.Long()),
		NInputPorts:    uint32(r.Int()),
		NOutputPorts:   uint32(r.Int()),
		State:          int32(r.Enum()),
		Error:          r.Text(),
	}

	var err error
	if info.Props, err = readDict(r); err != nil {
		return nil, err
	}
	if info.Params, err = readParamInfos(r); err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read node info: %w", err)
	}

	return info, nil
}

func readDeviceInfo(r *spa.Reader) (*DeviceInfo, error) {
	info := &DeviceInfo{
		ID:         uint32(r.Int()),
		ChangeMask: uint64(r.Long()),
	}

	var err error
	if info.Props, err = readDict(r); err != nil {
		return nil, err
	}
	if info.Params, err = readParamInfos(r); err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read device info: %w", err)
	}

	return info, nil
}

func readLinkInfo(r *spa.Reader) (*LinkInfo, error) {
	info := &LinkInfo{
		ID:           uint32(r.Int()),
		OutputNodeID: uint32(r.Int()),
		OutputPortID: uint32(r.Int()),
		InputNodeID:  uint32(r.Int()),
		InputPortID:  uint32(r.Int()),
		ChangeMask:   uint64(r.Long()),
		State:        int32(r.Enum()),
		Error:        r.Text(),
		Format:       r.Pod(),
	}

	var err error
	if info.Props, err = readDict(r); err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read link info: %w", err)
	}

	return info, nil
}

func readParam(r *spa.Reader) (Param, error) {
	p := Param{
		Seq:   r.Int(),
		ID:    spa.ParamType(r.Enum()),
		Index: uint32(r.Int()),
		Next:  uint32(r.Int()),
		Value: r.Pod(),
	}

	if err := r.Err(); err != nil {
		return Param{}, fmt.Errorf("read param: %w", err)
	}

	return p, nil
}

func readMetadataProperty(r *spa.Reader) (MetadataProperty, error) {
	p := MetadataProperty{
		Subject: uint32(r.Int()),
		Key:     r.Text(),
		Type:    r.Text(),
		Value:   r.Text(),
	}

	if err := r.Err(); err != nil {
		return MetadataProperty{}, fmt.Errorf("read metadata property: %w", err)
	}

	return p, nil
}
