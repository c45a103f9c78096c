// Package spa implements the SPA pod encoding PipeWire uses for protocol
// messages and object parameters, along with the type, parameter and
// property identifiers the graph mirror reads and writes.
package spa

import "fmt"

// Type is a pod type identifier.
type Type uint32

const (
	TypeNone      Type = 1
	TypeBool      Type = 2
	TypeID        Type = 3
	TypeInt       Type = 4
	TypeLong      Type = 5
	TypeFloat     Type = 6
	TypeDouble    Type = 7
	TypeString    Type = 8
	TypeBytes     Type = 9
	TypeRectangle Type = 10
	TypeFraction  Type = 11
	TypeBitmap    Type = 12
	TypeArray     Type = 13
	TypeStruct    Type = 14
	TypeObject    Type = 15
	TypeSequence  Type = 16
	TypePointer   Type = 17
	TypeFd        Type = 18
	TypeChoice    Type = 19
	TypePod       Type = 20
)

var typeNames = map[Type]string{
	TypeNone:      "None",
	TypeBool:      "Bool",
	TypeID:        "Id",
	TypeInt:       "Int",
	TypeLong:      "Long",
	TypeFloat:     "Float",
	TypeDouble:    "Double",
	TypeString:    "String",
	TypeBytes:     "Bytes",
	TypeRectangle: "Rectangle",
	TypeFraction:  "Fraction",
	TypeBitmap:    "Bitmap",
	TypeArray:     "Array",
	TypeStruct:    "Struct",
	TypeObject:    "Object",
	TypeSequence:  "Sequence",
	TypePointer:   "Pointer",
	TypeFd:        "Fd",
	TypeChoice:    "Choice",
	TypePod:       "Pod",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("Type(%#x)", uint32(t))
}

// Object types.
const (
	TypeObjectPropInfo        uint32 = 0x40001
	TypeObjectProps           uint32 = 0x40002
	TypeObjectFormat          uint32 = 0x40003
	TypeObjectParamBuffers    uint32 = 0x40004
	TypeObjectParamMeta       uint32 = 0x40005
	TypeObjectParamIO         uint32 = 0x40006
	TypeObjectParamProfile    uint32 = 0x40007
	TypeObjectParamPortConfig uint32 = 0x40008
	TypeObjectParamRoute      uint32 = 0x40009
)

// ParamType identifies an object parameter.
type ParamType uint32

const (
	ParamInvalid        ParamType = 0
	ParamPropInfo       ParamType = 1
	ParamProps          ParamType = 2
	ParamEnumFormat     ParamType = 3
	ParamFormat         ParamType = 4
	ParamBuffers        ParamType = 5
	ParamMeta           ParamType = 6
	ParamIO             ParamType = 7
	ParamEnumProfile    ParamType = 8
	ParamProfile        ParamType = 9
	ParamEnumPortConfig ParamType = 10
	ParamPortConfig     ParamType = 11
	ParamEnumRoute      ParamType = 12
	ParamRoute          ParamType = 13
	ParamControl        ParamType = 14
	ParamLatency        ParamType = 15
	ParamProcessLatency ParamType = 16
	ParamTag            ParamType = 17
)

var paramNames = map[ParamType]string{
	ParamPropInfo:       "PropInfo",
	ParamProps:          "Props",
	ParamEnumFormat:     "EnumFormat",
	ParamFormat:         "Format",
	ParamBuffers:        "Buffers",
	ParamMeta:           "Meta",
	ParamIO:             "IO",
	ParamEnumProfile:    "EnumProfile",
	ParamProfile:        "Profile",
	ParamEnumPortConfig: "EnumPortConfig",
	ParamPortConfig:     "PortConfig",
	ParamEnumRoute:      "EnumRoute",
	ParamRoute:          "Route",
	ParamControl:        "Control",
	ParamLatency:        "Latency",
	ParamProcessLatency: "ProcessLatency",
	ParamTag:            "Tag",
}

func (p ParamType) String() string {
	if name, ok := paramNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Param(%d)", uint32(p))
}

// Flags of an entry in an object's advertised parameter list.
const (
	ParamInfoSerial    uint32 = 1 << 0
	ParamInfoRead      uint32 = 1 << 1
	ParamInfoWrite     uint32 = 1 << 2
	ParamInfoReadWrite        = ParamInfoRead | ParamInfoWrite
)

// Keys of a Props object.
const (
	PropVolume         uint32 = 0x10003
	PropMute           uint32 = 0x10004
	PropChannelVolumes uint32 = 0x10008
	PropVolumeBase     uint32 = 0x10009
	PropVolumeStep     uint32 = 0x1000a
	PropChannelMap     uint32 = 0x1000b
	PropMonitorMute    uint32 = 0x1000c
	PropMonitorVolumes uint32 = 0x1000d
	PropSoftMute       uint32 = 0x1000f
	PropSoftVolumes    uint32 = 0x10010
)

// Keys of a ParamRoute object.
const (
	RouteIndex       uint32 = 1
	RouteDirection   uint32 = 2
	RouteDevice      uint32 = 3
	RouteName        uint32 = 4
	RouteDescription uint32 = 5
	RoutePriority    uint32 = 6
	RouteAvailable   uint32 = 7
	RouteInfo        uint32 = 8
	RouteProfiles    uint32 = 9
	RouteProps       uint32 = 10
	RouteDevices     uint32 = 11
	RouteProfile     uint32 = 12
	RouteSave        uint32 = 13
)

// ChoiceType is the kind of a Choice pod.
type ChoiceType uint32

const (
	ChoiceNone  ChoiceType = 0
	ChoiceRange ChoiceType = 1
	ChoiceStep  ChoiceType = 2
	ChoiceEnum  ChoiceType = 3
	ChoiceFlags ChoiceType = 4
)

// AudioChannel is an SPA audio channel position.
type AudioChannel uint32

const (
	ChannelUnknown AudioChannel = 0
	ChannelNA      AudioChannel = 1
	ChannelMono    AudioChannel = 2
	ChannelFL      AudioChannel = 3
	ChannelFR      AudioChannel = 4
	ChannelFC      AudioChannel = 5
	ChannelLFE     AudioChannel = 6
	ChannelSL      AudioChannel = 7
	ChannelSR      AudioChannel = 8
	ChannelFLC     AudioChannel = 9
	ChannelFRC     AudioChannel = 10
	ChannelRC      AudioChannel = 11
	ChannelRL      AudioChannel = 12
	ChannelRR      AudioChannel = 13
	ChannelTC      AudioChannel = 14
	ChannelTFL     AudioChannel = 15
	ChannelTFC     AudioChannel = 16
	ChannelTFR     AudioChannel = 17
	ChannelTRL     AudioChannel = 18
	ChannelTRC     AudioChannel = 19
	ChannelTRR     AudioChannel = 20
	ChannelRLC     AudioChannel = 21
	ChannelRRC     AudioChannel = 22
	ChannelFLW     AudioChannel = 23
	ChannelFRW     AudioChannel = 24
	ChannelLFE2    AudioChannel = 25
	ChannelFLH     AudioChannel = 26
	ChannelFCH     AudioChannel = 27
	ChannelFRH     AudioChannel = 28
	ChannelTFLC    AudioChannel = 29
	ChannelTFRC    AudioChannel = 30
	ChannelTSL     AudioChannel = 31
	ChannelTSR     AudioChannel = 32
	ChannelLLFE    AudioChannel = 33
	ChannelRLFE    AudioChannel = 34
	ChannelBC      AudioChannel = 35
	ChannelBLC     AudioChannel = 36
	ChannelBRC     AudioChannel = 37

	ChannelAux0        AudioChannel = 0x1000
	ChannelAuxLast     AudioChannel = 0x1fff
	ChannelStartCustom AudioChannel = 0x10000
)

var channelNames = [...]string{
	"UNK", "NA", "MONO", "FL", "FR", "FC", "LFE", "SL", "SR", "FLC", "FRC", "RC", "RL", "RR",
	"TC", "TFL", "TFC", "TFR", "TRL", "TRC", "TRR", "RLC", "RRC", "FLW", "FRW", "LFE2",
	"FLH", "FCH", "FRH", "TFLC", "TFRC", "TSL", "TSR", "LLFE", "RLFE", "BC", "BLC", "BRC",
}

func (c AudioChannel) String() string {
	switch {
	case int(c) < len(channelNames):
		return channelNames[c]
	case c >= ChannelAux0 && c <= ChannelAuxLast:
		return fmt.Sprintf("AUX%d", c-ChannelAux0)
	case c >= ChannelStartCustom:
		return fmt.Sprintf("CUSTOM%d", c-ChannelStartCustom)
	default:
		return fmt.Sprintf("CH(%d)", uint32(c))
	}
}
