package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessages(n int) []msg.Message {
	msgs := make([]msg.Message, 0, n)
	for i := 0; i < n; i++ {
		switch i % 3 {
		case 0:
			msgs = append(msgs, msg.NewDouble(msg.Notify, fmt.Sprintf("VAR_%d", i), float64(i)*1.5, 1000+float64(i)))
		case 1:
			msgs = append(msgs, msg.NewString(msg.Notify, fmt.Sprintf("STR_%d", i), "value", 1000+float64(i)))
		default:
			m := msg.NewBinary(msg.Notify, "BIN", []byte{byte(i), 0, 0xFF}, 1000+float64(i))
			m.Source = "pTest"
			m.OriginatingCommunity = "alpha"
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func assertSameMessages(t *testing.T, want, got []msg.Message) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "message %d: want %+v got %+v", i, want[i], got[i])
	}
}

func TestPacketRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 100} {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			want := testMessages(n)
			p := NewPacket()
			require.NoError(t, p.Serialize(want))
			assert.Equal(t, RequiredSize(want), p.Len())
			assert.Equal(t, n, p.MessageCount())

			rx := NewPacket()
			taken, err := rx.Append(p.Bytes())
			require.NoError(t, err)
			assert.Equal(t, p.Len(), taken)
			assert.True(t, rx.IsComplete())

			got, err := rx.Deserialize(nil)
			require.NoError(t, err)
			assertSameMessages(t, want, got)
		})
	}
}

func TestPacketHeader(t *testing.T) {
	p := NewPacket()
	require.NoError(t, p.Serialize(testMessages(3)))
	b := p.Bytes()
	assert.Equal(t, uint32(len(b)), binary.LittleEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, byte(0), b[8])
}

func TestIncrementalRead(t *testing.T) {
	want := testMessages(10)
	tx := NewPacket()
	require.NoError(t, tx.Serialize(want))
	wire := tx.Bytes()

	for _, chunk := range []int{1, 2, 3, 5, 64, len(wire)} {
		t.Run(fmt.Sprintf("chunk %d", chunk), func(t *testing.T) {
			rx := NewPacket()
			assert.Equal(t, 4, rx.BytesRequired())
			rest := wire
			for len(rest) > 0 {
				_, err := rx.Deserialize(nil)
				assert.ErrorIs(t, err, errors.ErrDecodeTruncated)

				n := min(chunk, len(rest), rx.BytesRequired())
				copy(rx.WriteSlice(), rest[:n])
				require.NoError(t, rx.OnBytesWritten(n))
				rest = rest[n:]
			}
			assert.Zero(t, rx.BytesRequired())
			got, err := rx.Deserialize(nil)
			require.NoError(t, err)
			assertSameMessages(t, want, got)
		})
	}
}

func TestBytesRequiredAfterPrefix(t *testing.T) {
	tx := NewPacket()
	require.NoError(t, tx.Serialize(testMessages(2)))
	rx := NewPacket()
	_, err := rx.Append(tx.Bytes()[:6])
	require.NoError(t, err)
	assert.Equal(t, tx.Len()-6, rx.BytesRequired())
}

func TestAppendStopsAtPacketEnd(t *testing.T) {
	tx := NewPacket()
	require.NoError(t, tx.Serialize(testMessages(2)))
	stream := append(append([]byte{}, tx.Bytes()...), tx.Bytes()...)

	rx := NewPacket()
	n, err := rx.Append(stream)
	require.NoError(t, err)
	assert.Equal(t, tx.Len(), n)
}

func TestDeserializeStopsAtCorruption(t *testing.T) {
	want := testMessages(4)
	tx := NewPacket()
	require.NoError(t, tx.Serialize(want))
	wire := append([]byte{}, tx.Bytes()...)

	// Corrupt the length prefix of the third message
	off := HeaderSize + want[0].SerializedSize() + want[1].SerializedSize()
	binary.LittleEndian.PutUint32(wire[off:off+4], 1<<30)

	rx := NewPacket()
	_, err := rx.Append(wire)
	require.NoError(t, err)
	got, err := rx.Deserialize(nil)
	assert.ErrorIs(t, err, errors.ErrDecodeTruncated)
	assertSameMessages(t, want[:2], got)
}

func TestInvalidDeclaredLength(t *testing.T) {
	rx := NewPacket()
	_, err := rx.Append([]byte{2, 0, 0, 0})
	assert.ErrorIs(t, err, errors.ErrInvalidPacket)

	rx = NewPacket()
	_, err = rx.Append([]byte{0xFF, 0xFF, 0xFF, 0x7F})
	assert.ErrorIs(t, err, errors.ErrInvalidPacket)
}

func TestNullMessageTimestamp(t *testing.T) {
	stampMsg := msg.NewDouble(msg.Null, "", 1234.5, 1)
	want := append([]msg.Message{stampMsg}, testMessages(2)...)
	tx := NewPacket()
	require.NoError(t, tx.Serialize(want))

	rx := NewPacket()
	_, err := rx.Append(tx.Bytes())
	require.NoError(t, err)
	var ts float64
	got, err := rx.Deserialize(&ts)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, ts)
	assertSameMessages(t, want, got)

	// Without a leading Null message the timestamp is left alone
	require.NoError(t, tx.Serialize(testMessages(2)))
	rx.Reset()
	_, err = rx.Append(tx.Bytes())
	require.NoError(t, err)
	ts = -1
	_, err = rx.Deserialize(&ts)
	require.NoError(t, err)
	assert.Equal(t, -1.0, ts)
}

func TestPacketReuseGrowsNeverShrinks(t *testing.T) {
	p := NewPacket()
	require.NoError(t, p.Serialize(testMessages(50)))
	capBig := cap(p.bytes)
	require.NoError(t, p.Serialize(testMessages(1)))
	assert.Equal(t, capBig, cap(p.bytes))
	assert.Equal(t, RequiredSize(testMessages(1)), p.Len())
}

func TestStreamOverPipe(t *testing.T) {
	cli, ser := net.Pipe()
	defer cli.Close()
	defer ser.Close()

	want := testMessages(20)
	go func() {
		tx := NewPacket()
		assert.NoError(t, WritePacket(cli, tx, want))
		assert.NoError(t, WritePacket(cli, tx, want[:3]))
	}()

	rx := NewPacket()
	got, err := ReceiveMessages(ser, rx)
	require.NoError(t, err)
	assertSameMessages(t, want, got)
	got, err = ReceiveMessages(ser, rx)
	require.NoError(t, err)
	assertSameMessages(t, want[:3], got)
}

func TestReadPacketUnexpectedEOF(t *testing.T) {
	tx := NewPacket()
	require.NoError(t, tx.Serialize(testMessages(2)))
	r := bytes.NewReader(tx.Bytes()[:10])
	err := ReadPacket(r, NewPacket())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = ReadPacket(bytes.NewReader(nil), NewPacket())
	assert.ErrorIs(t, err, io.EOF)
}

func TestVersionHandshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersion(&buf))
	assert.Equal(t, VersionSize, buf.Len())
	assert.NoError(t, ReadVersion(&buf))

	bad := make([]byte, VersionSize)
	copy(bad, "SOMETHING ELSE")
	err := ReadVersion(bytes.NewReader(bad))
	assert.ErrorIs(t, err, errors.ErrProtocolMismatch)
	assert.True(t, errors.IsFatal(err))
}
