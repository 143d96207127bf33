package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"modelpool/message"
)

var errNotRPCMessage = errors.New("BinaryCodec: v must be *message.RPCMessage")

// BinaryCodec lays out an RPCMessage as length-prefixed fields:
//
//	methodLen(2) method payloadLen(4) payload errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotRPCMessage
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: string field exceeds %d bytes", math.MaxUint16)
	}

	buf := make([]byte, 0, 2+len(msg.ServiceMethod)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotRPCMessage
	}

	r := binaryReader{data: data}
	msg.ServiceMethod = string(r.next(int(r.uint16())))
	payload := r.next(int(r.uint32()))
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(r.next(int(r.uint16())))

	if r.err != nil {
		return r.err
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binaryReader walks a byte slice and records the first short read.
type binaryReader struct {
	data []byte
	off  int
	err  error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("BinaryCodec: truncated message at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binaryReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binaryReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
