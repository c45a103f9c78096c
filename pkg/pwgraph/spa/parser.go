package spa

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrTruncated is returned when a pod claims more bytes than are available.
	ErrTruncated = errors.New("spa: truncated pod")
	// ErrType is returned when a pod does not have the requested type.
	ErrType = errors.New("spa: unexpected pod type")
)

// Pod is a view of one encoded pod. Body aliases the source buffer.
type Pod struct {
	Type Type
	Body []byte
}

func padded(size uint32) int {
	return int((size + 7) &^ 7)
}

// Parse decodes the pod at the start of data and returns it together with the
// number of bytes it occupies including trailing padding.
func Parse(data []byte) (Pod, int, error) {
	if len(data) < 8 {
		return Pod{}, 0, fmt.Errorf("%w: header needs 8 bytes, have %d", ErrTruncated, len(data))
	}

	size := order.Uint32(data[0:4])
	t := Type(order.Uint32(data[4:8]))

	if uint64(size) > uint64(len(data)-8) {
		return Pod{}, 0, fmt.Errorf("%w: %s body of %d bytes, have %d", ErrTruncated, t, size, len(data)-8)
	}

	consumed := 8 + padded(size)
	if consumed > len(data) {
		consumed = len(data)
	}

	return Pod{Type: t, Body: data[8 : 8+size]}, consumed, nil
}

func (p Pod) expect(t Type, minSize int) error {
	if p.Type != t {
		return fmt.Errorf("%w: want %s, got %s", ErrType, t, p.Type)
	}

	if len(p.Body) < minSize {
		return fmt.Errorf("%w: %s body of %d bytes", ErrTruncated, t, len(p.Body))
	}

	return nil
}

// IsNone reports whether p is a None pod.
func (p Pod) IsNone() bool {
	return p.Type == TypeNone
}

// Unwrap returns the default value of a Choice pod, or p itself otherwise.
func (p Pod) Unwrap() Pod {
	if p.Type != TypeChoice || len(p.Body) < 16 {
		return p
	}

	childSize := order.Uint32(p.Body[8:12])
	childType := Type(order.Uint32(p.Body[12:16]))

	if uint64(childSize) > uint64(len(p.Body)-16) {
		return p
	}

	return Pod{Type: childType, Body: p.Body[16 : 16+childSize]}
}

// GetBool returns the value of a Bool pod.
func (p Pod) GetBool() (bool, error) {
	p = p.Unwrap()
	if err := p.expect(TypeBool, 4); err != nil {
		return false, err
	}

	return order.Uint32(p.Body) != 0, nil
}

// GetID returns the value of an Id pod.
func (p Pod) GetID() (uint32, error) {
	p = p.Unwrap()
	if err := p.expect(TypeID, 4); err != nil {
		return 0, err
	}

	return order.Uint32(p.Body), nil
}

// GetInt returns the value of an Int pod.
func (p Pod) GetInt() (int32, error) {
	p = p.Unwrap()
	if err := p.expect(TypeInt, 4); err != nil {
		return 0, err
	}

	return int32(order.Uint32(p.Body)), nil
}

// GetLong returns the value of a Long pod.
func (p Pod) GetLong() (int64, error) {
	p = p.Unwrap()
	if err := p.expect(TypeLong, 8); err != nil {
		return 0, err
	}

	return int64(order.Uint64(p.Body)), nil
}

// GetFloat returns the value of a Float pod.
func (p Pod) GetFloat() (float32, error) {
	p = p.Unwrap()
	if err := p.expect(TypeFloat, 4); err != nil {
		return 0, err
	}

	return math.Float32frombits(order.Uint32(p.Body)), nil
}

// GetDouble returns the value of a Double pod.
func (p Pod) GetDouble() (float64, error) {
	p = p.Unwrap()
	if err := p.expect(TypeDouble, 8); err != nil {
		return 0, err
	}

	return math.Float64frombits(order.Uint64(p.Body)), nil
}

// GetString returns the value of a String pod. A None pod yields "".
func (p Pod) GetString() (string, error) {
	if p.Type == TypeNone {
		return "", nil
	}

	if err := p.expect(TypeString, 1); err != nil {
		return "", err
	}

	if p.Body[len(p.Body)-1] != 0 {
		return "", fmt.Errorf("%w: string is not NUL-terminated", ErrType)
	}

	return string(p.Body[:len(p.Body)-1]), nil
}

// GetFd returns the fd index of an Fd pod.
func (p Pod) GetFd() (int64, error) {
	if err := p.expect(TypeFd, 8); err != nil {
		return 0, err
	}

	return int64(order.Uint64(p.Body)), nil
}

// Bytes returns the pod re-encoded with its header, suitable for Builder.Raw.
func (p Pod) Bytes() []byte {
	out := make([]byte, 8, 8+len(p.Body))
	order.PutUint32(out[0:4], uint32(len(p.Body)))
	order.PutUint32(out[4:8], uint32(p.Type))

	return append(out, p.Body...)
}

// Struct returns a reader over the fields of a Struct pod.
func (p Pod) Struct() (*Reader, error) {
	if err := p.expect(TypeStruct, 0); err != nil {
		return nil, err
	}

	return NewReader(p.Body), nil
}

// Prop is one property of an Object pod.
type Prop struct {
	Key   uint32
	Flags uint32
	Value Pod
}

// Object is a decoded Object pod.
type Object struct {
	Type  uint32
	ID    uint32
	Props []Prop
}

// Find returns the value of the property with the given key.
func (o *Object) Find(key uint32) (Pod, bool) {
	for _, prop := range o.Props {
		if prop.Key == key {
			return prop.Value, true
		}
	}

	return Pod{}, false
}

// Object decodes an Object pod and its properties.
func (p Pod) Object() (*Object, error) {
	if err := p.expect(TypeObject, 8); err != nil {
		return nil, err
	}

	obj := &Object{
		Type: order.Uint32(p.Body[0:4]),
		ID:   order.Uint32(p.Body[4:8]),
	}

	rest := p.Body[8:]
	for len(rest) > 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("%w: object property header", ErrTruncated)
		}

		key := order.Uint32(rest[0:4])
		flags := order.Uint32(rest[4:8])

		value, n, err := Parse(rest[8:])
		if err != nil {
			return nil, fmt.Errorf("parse object property %#x: %w", key, err)
		}

		obj.Props = append(obj.Props, Prop{Key: key, Flags: flags, Value: value})
		rest = rest[8+n:]
	}

	return obj, nil
}

// Array is a decoded Array pod.
type Array struct {
	ChildType Type
	ChildSize uint32
	body      []byte
}

// Len returns the number of elements.
func (a *Array) Len() int {
	if a.ChildSize == 0 {
		return 0
	}

	return len(a.body) / int(a.ChildSize)
}

func (a *Array) expect(t Type, size uint32) error {
	if a.ChildType != t || a.ChildSize != size {
		return fmt.Errorf("%w: want array of %s, got array of %s", ErrType, t, a.ChildType)
	}

	return nil
}

// Floats returns the elements of an Array of Float.
func (a *Array) Floats() ([]float32, error) {
	if err := a.expect(TypeFloat, 4); err != nil {
		return nil, err
	}

	out := make([]float32, a.Len())
	for i := range out {
		out[i] = math.Float32frombits(order.Uint32(a.body[i*4:]))
	}

	return out, nil
}

// IDs returns the elements of an Array of Id.
func (a *Array) IDs() ([]uint32, error) {
	if err := a.expect(TypeID, 4); err != nil {
		return nil, err
	}

	out := make([]uint32, a.Len())
	for i := range out {
		out[i] = order.Uint32(a.body[i*4:])
	}

	return out, nil
}

// Ints returns the elements of an Array of Int.
func (a *Array) Ints() ([]int32, error) {
	if err := a.expect(TypeInt, 4); err != nil {
		return nil, err
	}

	out := make([]int32, a.Len())
	for i := range out {
		out[i] = int32(order.Uint32(a.body[i*4:]))
	}

	return out, nil
}

// Array decodes an Array pod. A Choice is unwrapped first.
func (p Pod) Array() (*Array, error) {
	p = p.Unwrap()
	if err := p.expect(TypeArray, 8); err != nil {
		return nil, err
	}

	return &Array{
		ChildSize: order.Uint32(p.Body[0:4]),
		ChildType: Type(order.Uint32(p.Body[4:8])),
		body:      p.Body[8:],
	}, nil
}

// String renders the pod for logs.
func (p Pod) String() string {
	var sb strings.Builder
	p.format(&sb)

	return sb.String()
}

func (p Pod) format(sb *strings.Builder) {
	switch p.Type {
	case TypeNone:
		sb.WriteString("None")
	case TypeBool:
		v, _ := p.GetBool()
		fmt.Fprintf(sb, "%t", v)
	case TypeID:
		v, _ := p.GetID()
		fmt.Fprintf(sb, "Id(%d)", v)
	case TypeInt:
		v, _ := p.GetInt()
		fmt.Fprintf(sb, "%d", v)
	case TypeLong:
		v, _ := p.GetLong()
		fmt.Fprintf(sb, "%dL", v)
	case TypeFloat:
		v, _ := p.GetFloat()
		fmt.Fprintf(sb, "%g", v)
	case TypeDouble:
		v, _ := p.GetDouble()
		fmt.Fprintf(sb, "%gD", v)
	case TypeString:
		v, _ := p.GetString()
		fmt.Fprintf(sb, "%q", v)
	case TypeArray:
		a, err := p.Array()
		if err != nil {
			sb.WriteString("Array(?)")
			return
		}

		sb.WriteString("[")
		for i := 0; i < a.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			off := i * int(a.ChildSize)
			Pod{Type: a.ChildType, Body: a.body[off : off+int(a.ChildSize)]}.format(sb)
		}
		sb.WriteString("]")
	case TypeChoice:
		u := p.Unwrap()
		if u.Type == TypeChoice {
			sb.WriteString("Choice(?)")
			return
		}

		sb.WriteString("Choice(")
		u.format(sb)
		sb.WriteString(")")
	case TypeStruct:
		r, _ := p.Struct()
		sb.WriteString("{")
		for first := true; r.More(); first = false {
			if !first {
				sb.WriteString(", ")
			}
			r.Pod().format(sb)
		}
		sb.WriteString("}")
	case TypeObject:
		obj, err := p.Object()
		if err != nil {
			sb.WriteString("Object(?)")
			return
		}

		fmt.Fprintf(sb, "Object(%#x/%d){", obj.Type, obj.ID)
		for i, prop := range obj.Props {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%#x: ", prop.Key)
			prop.Value.format(sb)
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "%s(%d bytes)", p.Type, len(p.Body))
	}
}

// Reader reads consecutive pods, typically the fields of a Struct. The first
// error is sticky: later reads return zero values and Err reports it.
type Reader struct {
	data []byte
	err  error
}

// NewReader reads pods from data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// More reports whether another pod can be read.
func (r *Reader) More() bool {
	return r.err == nil && len(r.data) >= 8
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Pod returns the next pod.
func (r *Reader) Pod() Pod {
	if r.err != nil {
		return Pod{Type: TypeNone}
	}

	p, n, err := Parse(r.data)
	if err != nil {
		r.fail(err)
		return Pod{Type: TypeNone}
	}

	r.data = r.data[n:]

	return p
}

// Int reads an Int.
func (r *Reader) Int() int32 {
	v, err := r.Pod().GetInt()
	if err != nil {
		r.fail(err)
	}

	return v
}

// ID reads an Id.
func (r *Reader) ID() uint32 {
	v, err := r.Pod().GetID()
	if err != nil {
		r.fail(err)
	}

	return v
}

// Enum reads an Id, also accepting an Int since enum-like protocol fields
// have been sent as either.
func (r *Reader) Enum() uint32 {
	p := r.Pod()
	if p.Type == TypeInt {
		v, _ := p.GetInt()
		return uint32(v)
	}

	v, err := p.GetID()
	if err != nil {
		r.fail(err)
	}

	return v
}

// Long reads a Long.
func (r *Reader) Long() int64 {
	v, err := r.Pod().GetLong()
	if err != nil {
		r.fail(err)
	}

	return v
}

// Bool reads a Bool.
func (r *Reader) Bool() bool {
	v, err := r.Pod().GetBool()
	if err != nil {
		r.fail(err)
	}

	return v
}

// Text reads a String; None reads as "".
func (r *Reader) Text() string {
	v, err := r.Pod().GetString()
	if err != nil {
		r.fail(err)
	}

	return v
}

// Struct reads a nested Struct.
func (r *Reader) Struct() *Reader {
	p := r.Pod()
	if r.err != nil {
		return &Reader{err: r.err}
	}

	inner, err := p.Struct()
	if err != nil {
		r.fail(err)
		return &Reader{err: err}
	}

	return inner
}
