package msg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/CiaranWoodward/commbridge/errors"
)

/*
Binary layout of an encoded Message, every multi-byte field little-endian:

	[totalLength:int32][id:int32][type:int8][dataType:int8]
	[source:lpstr][sourceAux:lpstr][community:lpstr][key:lpstr]
	[time:float64][dval:float64][dval2:float64][sval:lpstr]

where lpstr is [length:int32][raw bytes]. totalLength counts the whole encoding, itself included.
*/

const (
	int32Size   = 4
	int8Size    = 1
	float64Size = 8

	// fixedSize is the encoded size of a Message with every string empty
	fixedSize = int32Size + int32Size + int8Size + int8Size + 5*int32Size + 3*float64Size
)

// MinSerializedSize is the encoded size of a Message whose strings are all empty
const MinSerializedSize = fixedSize

// MaxSerializedSize bounds the declared length a stream decoder will accept; no Message
// larger than a packet can be sent
const MaxSerializedSize = 32 << 20

// SerializedSize returns the exact number of bytes Encode writes for m
func (m Message) SerializedSize() int {
	return fixedSize +
		len(m.Source) +
		len(m.SourceAux) +
		len(m.OriginatingCommunity) +
		len(m.Key) +
		len(m.StringValue)
}

// writer appends fields into a fixed destination, refusing any field that does not fit
type writer struct {
	buf []byte
	pos int
	err error
}

func (w *writer) reserve(n int, field string) []byte {
	if w.err != nil {
		return nil
	}
	if len(w.buf)-w.pos < n {
		w.err = fmt.Errorf("field %s needs %d bytes, %d left: %w", field, n, len(w.buf)-w.pos, errors.ErrEncodeOutOfSpace)
		return nil
	}
	b := w.buf[w.pos : w.pos+n]
	w.pos += n
	return b
}

func (w *writer) int32(v int32, field string) {
	if b := w.reserve(int32Size, field); b != nil {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

func (w *writer) int8(v int8, field string) {
	if b := w.reserve(int8Size, field); b != nil {
		b[0] = byte(v)
	}
}

func (w *writer) float64(v float64, field string) {
	if b := w.reserve(float64Size, field); b != nil {
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func (w *writer) string(s, field string) {
	w.int32(int32(len(s)), field)
	if b := w.reserve(len(s), field); b != nil {
		copy(b, s)
	}
}

// Encode writes m into dst and returns the number of bytes written.
// If dst is too small it fails with ErrEncodeOutOfSpace; the contents of dst are then unspecified.
func Encode(dst []byte, m Message) (int, error) {
	w := writer{buf: dst}

	// Length goes in last, once the rest is known
	w.reserve(int32Size, "length")
	w.int32(m.Id, "id")
	w.int8(int8(m.Type), "type")
	w.int8(int8(m.DataType), "dataType")
	w.string(m.Source, "source")
	w.string(m.SourceAux, "sourceAux")
	w.string(m.OriginatingCommunity, "community")
	w.string(m.Key, "key")
	w.float64(m.Time, "time")
	w.float64(m.DoubleValue, "doubleValue")
	w.float64(m.DoubleValueAux, "doubleValueAux")
	w.string(m.StringValue, "stringValue")
	if w.err != nil {
		return 0, w.err
	}

	binary.LittleEndian.PutUint32(dst, uint32(w.pos))
	return w.pos, nil
}

// Marshal encodes m into a freshly allocated buffer of exactly the right size
func Marshal(m Message) ([]byte, error) {
	buf := make([]byte, m.SerializedSize())
	n, err := Encode(buf, m)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// reader consumes fields from a bounded source, failing on the first field that would overrun it
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.err = fmt.Errorf("field %s needs %d bytes, %d left: %w", field, n, len(r.buf)-r.pos, errors.ErrDecodeTruncated)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) int32(field string) int32 {
	if b := r.take(int32Size, field); b != nil {
		return int32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func (r *reader) int8(field string) int8 {
	if b := r.take(int8Size, field); b != nil {
		return int8(b[0])
	}
	return 0
}

func (r *reader) float64(field string) float64 {
	if b := r.take(float64Size, field); b != nil {
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

func (r *reader) string(field string) string {
	n := r.int32(field)
	if b := r.take(int(n), field); b != nil {
		return string(b)
	}
	return ""
}

// Decode reconstructs a Message from the front of src and returns the number of bytes consumed.
// It fails with ErrDecodeTruncated if the declared length or any field runs past src.
func Decode(src []byte) (Message, int, error) {
	var m Message

	head := reader{buf: src}
	total := int(head.int32("length"))
	if head.err != nil {
		return m, 0, head.err
	}
	if total < fixedSize || total > len(src) {
		return m, 0, fmt.Errorf("declared length %d, %d available: %w", total, len(src), errors.ErrDecodeTruncated)
	}

	r := reader{buf: src[:total], pos: int32Size}
	m.Id = r.int32("id")
	m.Type = MessageType(r.int8("type"))
	m.DataType = DataType(r.int8("dataType"))
	m.Source = r.string("source")
	m.SourceAux = r.string("sourceAux")
	m.OriginatingCommunity = r.string("community")
	m.Key = r.string("key")
	m.Time = r.float64("time")
	m.DoubleValue = r.float64("doubleValue")
	m.DoubleValueAux = r.float64("doubleValueAux")
	m.StringValue = r.string("stringValue")
	if r.err != nil {
		return Message{}, 0, r.err
	}

	return m, total, nil
}

// Unmarshal decodes exactly one Message from b
func Unmarshal(b []byte) (Message, error) {
	m, _, err := Decode(b)
	return m, err
}
