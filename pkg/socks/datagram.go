package socks

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Datagram is a decoded SOCKS5 UDP wrapper.
type Datagram struct {
	// AddrType is the ATYP byte of the destination address.
	AddrType byte

	// Host is the destination host: a domain name for Domain wrappers,
	// otherwise the textual form of IP.
	Host string

	// IP is the destination address for IPv4/IPv6 wrappers, nil for Domain.
	IP net.IP

	// Port is the destination port.
	Port uint16

	// Payload is the application data following the header. It aliases
	// the input buffer; callers must not retain it past the buffer's reuse.
	Payload []byte
}

// Target returns the destination in host:port form.
func (d *Datagram) Target() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// ParseDatagram decodes a SOCKS5 UDP wrapper.
// The wrapper format is:
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+-----+------+------+----------+----------+----------+
//	|  2  |  1   |  1   | Variable |    2     | Variable |
//
// Wrappers shorter than the minimal header and wrappers with FRAG != 0
// are rejected. The returned payload is a subslice of b.
func ParseDatagram(b []byte) (*Datagram, error) {
	if len(b) < minDatagramLen {
		return nil, ErrShortDatagram
	}
	if b[0] != 0 || b[1] != 0 {
		return nil, ErrBadReserved
	}
	if b[2] != 0 {
		return nil, ErrFragmented
	}

	d := &Datagram{AddrType: b[3]}
	cursor := 4

	switch d.AddrType {
	case IPv4:
		d.IP = net.IP(b[cursor : cursor+4])
		d.Host = d.IP.String()
		cursor += 4

	case IPv6:
		if len(b) < cursor+16+2 {
			return nil, ErrShortDatagram
		}
		d.IP = net.IP(b[cursor : cursor+16])
		d.Host = d.IP.String()
		cursor += 16

	case Domain:
		nameLen := int(b[cursor])
		cursor++
		if len(b) < cursor+nameLen+2 {
			return nil, ErrShortDatagram
		}
		d.Host = string(b[cursor : cursor+nameLen])
		cursor += nameLen

	default:
		return nil, ErrBadAddressType
	}

	d.Port = binary.BigEndian.Uint16(b[cursor : cursor+2])
	cursor += 2
	d.Payload = b[cursor:]
	return d, nil
}

// AppendDatagramHeader appends a SOCKS5 UDP wrapper header for a datagram
// originating from src and returns the extended slice. RSV and FRAG are
// zero; ATYP follows src's address family.
func AppendDatagramHeader(dst []byte, src *net.UDPAddr) []byte {
	dst = append(dst, 0, 0, 0)
	if ip4 := src.IP.To4(); ip4 != nil {
		dst = append(dst, IPv4)
		dst = append(dst, ip4...)
	} else {
		dst = append(dst, IPv6)
		dst = append(dst, src.IP.To16()...)
	}
	return binary.BigEndian.AppendUint16(dst, uint16(src.Port))
}
