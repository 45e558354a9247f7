package msg

import (
	"encoding/json"
	"io"
)

// JSON Implementation of the Transcoder interface
type JsonTranscoder struct {
}

type jsonStreamDecoder struct {
	dec *json.Decoder
}

func (*JsonTranscoder) Encode(msgin Message) ([]byte, error) {
	return json.Marshal(msgin)
}

func (*JsonTranscoder) Decode(msgin []byte) (msgout Message, err error) {
	err = json.Unmarshal(msgin, &msgout)
	return
}

func (*JsonTranscoder) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &jsonStreamDecoder{dec: json.NewDecoder(r)}
}

func (jd *jsonStreamDecoder) DecodeNext() (msgout Message, err error) {
	err = jd.dec.Decode(&msgout)
	return
}
