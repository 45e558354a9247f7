package msg

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiaranWoodward/commbridge/errors"
)

var transcoderTestVec = []struct {
	name string
	msg  Message
}{
	{"Double", Message{Type: Notify, DataType: Double, Key: "DEPTH", Time: 1700000000.5, DoubleValue: 3.2, Source: "pNav", OriginatingCommunity: "alpha"}},
	{"String", Message{Type: Notify, DataType: String, Key: "MODE", Time: 2, StringValue: "SURVEY"}},
	{"Register", Message{Type: Register, DataType: Double, Key: "NAV_*", DoubleValue: 0.25}},
	{"Welcome", Message{Type: Welcome, DataType: String, StringValue: "alpha", Id: 3, DoubleValueAux: 1}},
}

// Loopback test to check every transcoder can decode its own encoded form, singly and as a stream
func TestTranscoders(t *testing.T) {
	for _, name := range []string{"binary", "cbor", "json"} {
		tc, err := TranscoderByName(name)
		require.NoError(t, err)
		t.Run(name, func(t *testing.T) {
			var stream bytes.Buffer
			for _, tv := range transcoderTestVec {
				encoded, err := tc.Encode(tv.msg)
				require.NoError(t, err)

				out, err := tc.Decode(encoded)
				require.NoError(t, err)
				assert.True(t, tv.msg.Equal(out), "%s: got %+v", tv.name, out)
				stream.Write(encoded)
			}

			sd := tc.NewStreamDecoder(&stream)
			for _, tv := range transcoderTestVec {
				out, err := sd.DecodeNext()
				require.NoError(t, err)
				assert.True(t, tv.msg.Equal(out), "%s: got %+v", tv.name, out)
			}
			_, err := sd.DecodeNext()
			assert.Error(t, err)
		})
	}
}

func TestUnknownTranscoder(t *testing.T) {
	_, err := TranscoderByName("xml")
	assert.Error(t, err)
}

func TestBinaryStreamRejectsHugeLength(t *testing.T) {
	var stream bytes.Buffer
	binary.Write(&stream, binary.LittleEndian, int32(0x7FFFFFFF))
	stream.Write(make([]byte, 64))

	_, err := (&BinaryTranscoder{}).NewStreamDecoder(&stream).DecodeNext()
	assert.ErrorIs(t, err, errors.ErrDecodeTruncated)
	// The body was never read
	assert.Equal(t, 64, stream.Len())
}
