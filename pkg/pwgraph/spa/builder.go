package spa

import (
	"encoding/binary"
	"math"
)

var order = binary.NativeEndian

// Builder serializes pods into a byte slice. Containers are opened with the
// Push methods and closed with Pop, which backfills their size.
type Builder struct {
	buf    []byte
	frames []int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, 128)}
}

// Bytes returns the encoded pods. Containers still open are left with a zero size.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.frames = b.frames[:0]
}

func (b *Builder) u32(v uint32) {
	b.buf = order.AppendUint32(b.buf, v)
}

func (b *Builder) u64(v uint64) {
	b.buf = order.AppendUint64(b.buf, v)
}

func (b *Builder) pad() {
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *Builder) header(size uint32, t Type) {
	b.u32(size)
	b.u32(uint32(t))
}

// None appends a None pod.
func (b *Builder) None() {
	b.header(0, TypeNone)
}

// Bool appends a Bool pod.
func (b *Builder) Bool(v bool) {
	b.header(4, TypeBool)
	if v {
		b.u32(1)
	} else {
		b.u32(0)
	}
	b.pad()
}

// ID appends an Id pod.
func (b *Builder) ID(v uint32) {
	b.header(4, TypeID)
	b.u32(v)
	b.pad()
}

// Int appends an Int pod.
func (b *Builder) Int(v int32) {
	b.header(4, TypeInt)
	b.u32(uint32(v))
	b.pad()
}

// Long appends a Long pod.
func (b *Builder) Long(v int64) {
	b.header(8, TypeLong)
	b.u64(uint64(v))
}

// Float appends a Float pod.
func (b *Builder) Float(v float32) {
	b.header(4, TypeFloat)
	b.u32(math.Float32bits(v))
	b.pad()
}

// Double appends a Double pod.
func (b *Builder) Double(v float64) {
	b.header(8, TypeDouble)
	b.u64(math.Float64bits(v))
}

// String appends a NUL-terminated String pod.
func (b *Builder) String(s string) {
	b.header(uint32(len(s)+1), TypeString)
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	b.pad()
}

// BytesPod appends a Bytes pod.
func (b *Builder) BytesPod(data []byte) {
	b.header(uint32(len(data)), TypeBytes)
	b.buf = append(b.buf, data...)
	b.pad()
}

// Fd appends an Fd pod holding an index into the message's fd list.
func (b *Builder) Fd(index int64) {
	b.header(8, TypeFd)
	b.u64(uint64(index))
}

// Raw appends an already encoded pod. Nil or empty input becomes a None pod.
func (b *Builder) Raw(pod []byte) {
	if len(pod) == 0 {
		b.None()
		return
	}

	b.buf = append(b.buf, pod...)
	b.pad()
}

// FloatArray appends an Array of Float.
func (b *Builder) FloatArray(values []float32) {
	b.header(8+uint32(4*len(values)), TypeArray)
	b.header(4, TypeFloat)
	for _, v := range values {
		b.u32(math.Float32bits(v))
	}
	b.pad()
}

// IDArray appends an Array of Id.
func (b *Builder) IDArray(values []uint32) {
	b.header(8+uint32(4*len(values)), TypeArray)
	b.header(4, TypeID)
	for _, v := range values {
		b.u32(v)
	}
	b.pad()
}

// IntArray appends an Array of Int.
func (b *Builder) IntArray(values []int32) {
	b.header(8+uint32(4*len(values)), TypeArray)
	b.header(4, TypeInt)
	for _, v := range values {
		b.u32(uint32(v))
	}
	b.pad()
}

// FloatChoice appends a Choice of Float values, the first being the default.
func (b *Builder) FloatChoice(kind ChoiceType, values ...float32) {
	b.header(16+uint32(4*len(values)), TypeChoice)
	b.u32(uint32(kind))
	b.u32(0)
	b.header(4, TypeFloat)
	for _, v := range values {
		b.u32(math.Float32bits(v))
	}
	b.pad()
}

func (b *Builder) push(t Type) {
	b.frames = append(b.frames, len(b.buf))
	b.header(0, t)
}

// PushStruct opens a Struct.
func (b *Builder) PushStruct() {
	b.push(TypeStruct)
}

// PushObject opens an Object of the given object type and parameter id.
func (b *Builder) PushObject(objectType uint32, id uint32) {
	b.push(TypeObject)
	b.u32(objectType)
	b.u32(id)
}

// Prop starts an object property; the next appended pod is its value.
func (b *Builder) Prop(key uint32, flags uint32) {
	b.u32(key)
	b.u32(flags)
}

// Pop closes the innermost open container.
func (b *Builder) Pop() {
	if len(b.frames) == 0 {
		return
	}

	start := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]

	b.pad()
	order.PutUint32(b.buf[start:], uint32(len(b.buf)-start-8))
}
