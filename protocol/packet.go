/*
Package protocol implements the framing used to carry messages between a process and its community.

Every transport unit is a Packet:

	[totalByteCount:int32][messageCount:int32][compressed:int8][message]...[message]

All integers are little-endian. totalByteCount includes the header itself, so a reader
that has seen the first four bytes knows exactly how many more it needs. The compressed
flag is reserved and always written as zero.

A session begins with a fixed ASCII protocol-version string (see Version), after which
both sides exchange Packets only.
*/
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
)

const (
	// HeaderSize is the fixed header reserve: total length, message count, compressed flag
	HeaderSize = 4 + 4 + 1

	// MaxPacketSize bounds the declared length a reader will accept
	MaxPacketSize = 32 << 20

	lengthSize = 4
)

// Packet batches zero or more encoded messages into one length-prefixed buffer.
// The backing buffer grows on demand and is never shrunk, so one Packet can be reused
// for every read cycle of a connection.
type Packet struct {
	bytes []byte
	// nextWritePosition
	next int
	// declared total length, 0 until the length prefix has been read
	declared int
	count    int
}

// NewPacket returns an empty packet ready to be serialized into, or read into
func NewPacket() *Packet {
	return &Packet{}
}

// RequiredSize returns the number of bytes a packet holding msgs occupies
func RequiredSize(msgs []msg.Message) int {
	size := HeaderSize
	for i := range msgs {
		size += msgs[i].SerializedSize()
	}
	return size
}

// reserve guarantees capacity for n bytes, preserving the bytes already held
func (p *Packet) reserve(n int) {
	if n <= len(p.bytes) {
		return
	}
	grown := 2 * len(p.bytes)
	if grown < n {
		grown = n
	}
	buf := make([]byte, grown)
	copy(buf, p.bytes[:p.next])
	p.bytes = buf
}

// Reset empties the packet, keeping its buffer
func (p *Packet) Reset() {
	p.next = 0
	p.declared = 0
	p.count = 0
}

// Serialize replaces the packet contents with msgs, in order
func (p *Packet) Serialize(msgs []msg.Message) error {
	p.Reset()
	size := RequiredSize(msgs)
	if size > MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds %d: %w", size, MaxPacketSize, errors.ErrEncodeOutOfSpace)
	}
	p.reserve(size)

	pos := HeaderSize
	for i := range msgs {
		n, err := msg.Encode(p.bytes[pos:size], msgs[i])
		if err != nil {
			return errors.Wrap(err, "Packet", "Serialize", fmt.Sprintf("encode message %d", i))
		}
		pos += n
	}

	binary.LittleEndian.PutUint32(p.bytes[0:4], uint32(pos))
	binary.LittleEndian.PutUint32(p.bytes[4:8], uint32(len(msgs)))
	p.bytes[8] = 0

	p.next = pos
	p.declared = pos
	p.count = len(msgs)
	return nil
}

// Bytes returns the bytes held so far. The slice aliases the packet buffer.
func (p *Packet) Bytes() []byte {
	return p.bytes[:p.next]
}

// Len returns the number of bytes held so far
func (p *Packet) Len() int {
	return p.next
}

// MessageCount returns the number of messages serialized into, or declared by, the packet
func (p *Packet) MessageCount() int {
	return p.count
}

// BytesRequired returns how many more bytes must be written before the packet is complete.
// Before the length prefix has arrived it asks only for the rest of the prefix.
func (p *Packet) BytesRequired() int {
	if p.next < lengthSize {
		return lengthSize - p.next
	}
	if p.declared <= p.next {
		return 0
	}
	return p.declared - p.next
}

// IsComplete reports whether every declared byte has been written
func (p *Packet) IsComplete() bool {
	return p.next >= lengthSize && p.BytesRequired() == 0
}

// WriteSlice returns a slice of exactly BytesRequired free bytes for a transport to read into.
// Follow each read with OnBytesWritten.
func (p *Packet) WriteSlice() []byte {
	need := p.BytesRequired()
	p.reserve(p.next + need)
	return p.bytes[p.next : p.next+need]
}

// OnBytesWritten records that n bytes were placed into the slice returned by WriteSlice
func (p *Packet) OnBytesWritten(n int) error {
	before := p.next
	p.next += n
	if before < lengthSize && p.next >= lengthSize {
		declared := int(int32(binary.LittleEndian.Uint32(p.bytes[0:4])))
		if declared < HeaderSize || declared > MaxPacketSize {
			return fmt.Errorf("declared length %d: %w", declared, errors.ErrInvalidPacket)
		}
		p.declared = declared
	}
	return nil
}

// Append copies as much of b as the packet still requires and returns the number of bytes taken
func (p *Packet) Append(b []byte) (int, error) {
	taken := 0
	for taken < len(b) {
		need := p.BytesRequired()
		if need == 0 {
			break
		}
		n := copy(p.WriteSlice(), b[taken:])
		taken += n
		if err := p.OnBytesWritten(n); err != nil {
			return taken, err
		}
	}
	return taken, nil
}

// Deserialize extracts the messages held by a complete packet, in order.
//
// If the packet is not yet complete it fails with ErrDecodeTruncated and BytesRequired reports
// the shortfall. If a message fails to decode, the messages decoded before it are returned
// along with the error and the remainder of the packet is discarded.
//
// When timestamp is non-nil and the first message is of type Null, its double value is stored
// there as the packet timestamp.
func (p *Packet) Deserialize(timestamp *float64) ([]msg.Message, error) {
	if !p.IsComplete() {
		return nil, fmt.Errorf("have %d bytes, need %d more: %w", p.next, p.BytesRequired(), errors.ErrDecodeTruncated)
	}
	if p.declared < HeaderSize {
		return nil, fmt.Errorf("declared length %d: %w", p.declared, errors.ErrInvalidPacket)
	}

	count := int(int32(binary.LittleEndian.Uint32(p.bytes[4:8])))
	if count < 0 {
		return nil, fmt.Errorf("message count %d: %w", count, errors.ErrInvalidPacket)
	}
	// bytes[8] is the compressed flag, reserved
	p.count = count

	body := p.bytes[HeaderSize:p.declared]
	msgs := make([]msg.Message, 0, min(count, len(body)/msg.MinSerializedSize+1))
	for i := 0; i < count; i++ {
		m, n, err := msg.Decode(body)
		if err != nil {
			return msgs, errors.Wrap(err, "Packet", "Deserialize", fmt.Sprintf("decode message %d of %d", i, count))
		}
		if i == 0 && timestamp != nil && m.Type == msg.Null {
			*timestamp = m.DoubleValue
		}
		msgs = append(msgs, m)
		body = body[n:]
	}
	return msgs, nil
}
