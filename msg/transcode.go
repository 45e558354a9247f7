package msg

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CiaranWoodward/commbridge/errors"
)

// The Transcoder interface serializes/deserializes messages to byte arrays.
// The binary transcoder is the wire format; CBOR and JSON exist for mail logs and debugging,
// and decouple the record format from the transport.
type Transcoder interface {
	Encode(msgin Message) (msgout []byte, err error)
	Decode(msgin []byte) (msgout Message, err error)
	NewStreamDecoder(r io.Reader) StreamDecoder
}

// StreamDecoder decodes consecutive messages from a stream
type StreamDecoder interface {
	DecodeNext() (msgout Message, err error)
}

// TranscoderByName returns the transcoder registered under name (binary, cbor or json)
func TranscoderByName(name string) (Transcoder, error) {
	switch name {
	case "binary", "bin":
		return &BinaryTranscoder{}, nil
	case "cbor":
		return &CborTranscoder{}, nil
	case "json":
		return &JsonTranscoder{}, nil
	default:
		return nil, fmt.Errorf("unknown transcoder %q: %w", name, errors.ErrInvalidConfig)
	}
}

// Binary wire-format implementation of the Transcoder interface
type BinaryTranscoder struct {
}

type binaryStreamDecoder struct {
	r io.Reader
}

func (*BinaryTranscoder) Encode(msgin Message) ([]byte, error) {
	return Marshal(msgin)
}

func (*BinaryTranscoder) Decode(msgin []byte) (Message, error) {
	return Unmarshal(msgin)
}

func (*BinaryTranscoder) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &binaryStreamDecoder{r: r}
}

// DecodeNext reads the length prefix, then the remainder of one encoded message
func (bd *binaryStreamDecoder) DecodeNext() (Message, error) {
	var head [int32Size]byte
	if _, err := io.ReadFull(bd.r, head[:]); err != nil {
		return Message{}, err
	}
	total := int(int32(binary.LittleEndian.Uint32(head[:])))
	if total < fixedSize || total > MaxSerializedSize {
		return Message{}, fmt.Errorf("declared length %d: %w", total, errors.ErrDecodeTruncated)
	}
	buf := make([]byte, total)
	copy(buf, head[:])
	if _, err := io.ReadFull(bd.r, buf[int32Size:]); err != nil {
		return Message{}, fmt.Errorf("%v: %w", err, errors.ErrDecodeTruncated)
	}
	return Unmarshal(buf)
}
