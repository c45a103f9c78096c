package pw

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize     = 16
	maxMessageSize = 0xffffff
)

var order = binary.NativeEndian

// message is one framed protocol message. Body holds the argument pods.
type message struct {
	id     uint32
	opcode uint8
	seq    int32
	nFds   uint32
	body   []byte
}

func encodeMessage(m message) ([]byte, error) {
	if len(m.body) > maxMessageSize {
		return nil, fmt.Errorf("message body of %d bytes exceeds protocol limit", len(m.body))
	}

	out := make([]byte, headerSize, headerSize+len(m.body))
	order.PutUint32(out[0:4], m.id)
	order.PutUint32(out[4:8], uint32(m.opcode)<<24|uint32(len(m.body)))
	order.PutUint32(out[8:12], uint32(m.seq))
	order.PutUint32(out[12:16], m.nFds)

	return append(out, m.body...), nil
}

// decodeMessage frames the first message in data. ok is false when data does
// not yet hold a complete message. The returned body is a copy.
func decodeMessage(data []byte) (m message, n int, ok bool) {
	if len(data) < headerSize {
		return message{}, 0, false
	}

	opSize := order.Uint32(data[4:8])
	size := int(opSize & maxMessageSize)

	if len(data) < headerSize+size {
		return message{}, 0, false
	}

	m = message{
		id:     order.Uint32(data[0:4]),
		opcode: uint8(opSize >> 24),
		seq:    int32(order.Uint32(data[8:12])),
		nFds:   order.Uint32(data[12:16]),
		body:   append([]byte(nil), data[headerSize:headerSize+size]...),
	}

	return m, headerSize + size, true
}
