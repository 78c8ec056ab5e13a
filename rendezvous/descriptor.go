// Package rendezvous exchanges endpoint descriptors between two peers over a TCP side
// channel before their queue pairs are armed. The exchange is one fixed-size record in
// each direction: the listener receives then sends, the dialer sends then receives.
package rendezvous

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

const (
	// DescriptorSize is the wire size of a Descriptor.
	DescriptorSize = 24
	// DefaultPort is the well-known TCP port of the side channel.
	DefaultPort = 0x6666
)

var (
	// ErrShortRecord indicates that fewer than DescriptorSize bytes were transferred.
	ErrShortRecord = errors.New("rdmaxchg rendezvous: short descriptor record")
	// ErrInvalidDescriptor indicates that a received descriptor cannot address a peer.
	ErrInvalidDescriptor = errors.New("rdmaxchg rendezvous: invalid descriptor")
)

// Descriptor is what a peer needs to reach the other side: the remote key of its
// registered region, its queue pair number and the GID of its port. Regions are
// registered zero-based, so no address is exchanged.
type Descriptor struct {
	RKey uint32
	QPN  uint32
	GID  verbs.GID
}

// MarshalBinary encodes d in host byte order.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	binary.NativeEndian.PutUint32(buf[0:4], d.RKey)
	binary.NativeEndian.PutUint32(buf[4:8], d.QPN)
	copy(buf[8:], d.GID[:])
	return buf, nil
}

// UnmarshalBinary decodes exactly DescriptorSize bytes.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(data))
	}
	d.RKey = binary.NativeEndian.Uint32(data[0:4])
	d.QPN = binary.NativeEndian.Uint32(data[4:8])
	copy(d.GID[:], data[8:])
	return nil
}

// Validate reports whether d can be used to arm a queue pair.
func (d Descriptor) Validate() error {
	switch {
	case d.QPN == 0 || d.QPN > verbs.MaxPSN:
		return fmt.Errorf("%w: qpn %#x", ErrInvalidDescriptor, d.QPN)
	case d.GID.IsZero():
		return fmt.Errorf("%w: zero gid", ErrInvalidDescriptor)
	}
	return nil
}

func (d Descriptor) String() string {
	return fmt.Sprintf("qpn=%#x rkey=%#x gid=%s", d.QPN, d.RKey, d.GID)
}
