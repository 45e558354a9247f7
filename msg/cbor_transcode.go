package msg

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// CBOR Implementation of the Transcoder interface
type CborTranscoder struct {
}

type cborStreamDecoder struct {
	dec *cbor.Decoder
}

func (*CborTranscoder) Encode(msgin Message) ([]byte, error) {
	return cbor.Marshal(msgin)
}

func (*CborTranscoder) Decode(msgin []byte) (msgout Message, err error) {
	err = cbor.Unmarshal(msgin, &msgout)
	return
}

func (*CborTranscoder) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &cborStreamDecoder{dec: cbor.NewDecoder(r)}
}

func (cd *cborStreamDecoder) DecodeNext() (msgout Message, err error) {
	err = cd.dec.Decode(&msgout)
	return
}
