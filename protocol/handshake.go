package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/CiaranWoodward/commbridge/errors"
)

// Version is the protocol-version string exchanged when a session is established.
// Peers must agree on it exactly before any Packet is considered valid.
const Version = "COMMBRIDGE WIRE 1.0"

// VersionSize is the fixed width of the version field on the wire; Version is NUL padded to it
const VersionSize = 32

func versionBytes(v string) [VersionSize]byte {
	var b [VersionSize]byte
	copy(b[:], v)
	return b
}

// WriteVersion sends the protocol-version field
func WriteVersion(w io.Writer) error {
	b := versionBytes(Version)
	_, err := w.Write(b[:])
	return err
}

// ReadVersion reads the protocol-version field and fails with ErrProtocolMismatch
// unless it matches Version exactly
func ReadVersion(r io.Reader) error {
	var got [VersionSize]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return err
	}
	want := versionBytes(Version)
	if got != want {
		return fmt.Errorf("peer sent %q: %w", string(bytes.TrimRight(got[:], "\x00")), errors.ErrProtocolMismatch)
	}
	return nil
}
