package packet

import (
	"errors"
	"net/netip"

	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/rop/frame"
)

var ErrNotIPv4 = errors.New("packet: remote address is not ipv4")

// Packet is one datagram payload plus the remote host it came from or goes to.
// The payload buffer is allocated once and reused every cycle.
type Packet struct {
	Remote netip.AddrPort
	buf    []byte
	size   int
}

func New(capacity int) *Packet {
	return &Packet{buf: make([]byte, capacity)}
}

// FromBytes wraps a received datagram.
func FromBytes(remote netip.AddrPort, data []byte) *Packet {
	p := New(len(data))
	p.Remote = remote
	p.size = copy(p.buf, data)
	return p
}

// Load copies data into the packet buffer.
func (p *Packet) Load(remote netip.AddrPort, data []byte) error {
	if p == nil {
		return rop.ErrNullInput
	}
	if len(data) > len(p.buf) {
		return rop.ErrCapacityExceeded
	}
	p.Remote = remote
	p.size = copy(p.buf, data)
	return nil
}

// LoadFrame encodes f directly into the packet buffer.
func (p *Packet) LoadFrame(remote netip.AddrPort, f *frame.Frame) error {
	if p == nil || f == nil {
		return rop.ErrNullInput
	}
	n, err := f.Encode(p.buf)
	if err != nil {
		return err
	}
	p.Remote = remote
	p.size = n
	return nil
}

// Data returns the payload. The slice aliases the packet buffer.
func (p *Packet) Data() []byte {
	return p.buf[:p.size]
}

func (p *Packet) Size() int     { return p.size }
func (p *Packet) Capacity() int { return len(p.buf) }

// CheckRemote reports whether addr is usable as a packet address.
func CheckRemote(addr netip.AddrPort) error {
	if !addr.IsValid() || !addr.Addr().Unmap().Is4() {
		return ErrNotIPv4
	}
	return nil
}
