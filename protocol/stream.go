package protocol

import (
	"io"

	"github.com/CiaranWoodward/commbridge/msg"
)

// ReadPacket fills p from r until it is complete. p must be empty or partially read.
// Each read asks for exactly BytesRequired bytes, so no bytes of a following packet are consumed.
func ReadPacket(r io.Reader, p *Packet) error {
	for !p.IsComplete() {
		n, err := r.Read(p.WriteSlice())
		if n > 0 {
			if werr := p.OnBytesWritten(n); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF && p.Len() > 0 && !p.IsComplete() {
				return io.ErrUnexpectedEOF
			}
			if !p.IsComplete() {
				return err
			}
		}
	}
	return nil
}

// WritePacket serializes msgs into p and writes the whole packet to w
func WritePacket(w io.Writer, p *Packet, msgs []msg.Message) error {
	if err := p.Serialize(msgs); err != nil {
		return err
	}
	_, err := w.Write(p.Bytes())
	return err
}

// ReceiveMessages reads one complete packet from r and returns its messages.
// A partially corrupt packet yields the messages before the corruption together with the error.
func ReceiveMessages(r io.Reader, p *Packet) ([]msg.Message, error) {
	p.Reset()
	if err := ReadPacket(r, p); err != nil {
		return nil, err
	}
	return p.Deserialize(nil)
}
