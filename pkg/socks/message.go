package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Request is a parsed SOCKS5 command request.
type Request struct {
	// Cmd is the requested command (Connect, Bind, UDPAssociate).
	Cmd byte

	// AddrType is the ATYP byte of the destination address.
	AddrType byte

	// Host is the destination host: a domain name for Domain requests,
	// otherwise the textual form of IP.
	Host string

	// IP is the destination address for IPv4/IPv6 requests, nil for Domain.
	IP net.IP

	// Port is the destination port.
	Port uint16
}

// Target returns the destination in host:port form, suitable for dialing.
func (r *Request) Target() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ReadMethods reads a method negotiation message from r.
// The message format is:
//
//	+-----+----------+----------+
//	| VER | NMETHODS | METHODS  |
//	+-----+----------+----------+
//	|  1  |    1     | 1 to 255 |
//
// It loops on short reads until the exact framed length is obtained and
// returns the offered methods.
func ReadMethods(r io.Reader) ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading negotiation header: %w", err)
	}
	if head[0] != Version5 {
		return nil, ErrBadVersion
	}
	if head[1] == 0 {
		return nil, ErrNoMethods
	}

	methods := make([]byte, int(head[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, fmt.Errorf("reading methods: %w", err)
	}
	return methods, nil
}

// SelectMethod picks the authentication method for the offered set:
// NoAuth if the client offered it, NoAcceptableMethods otherwise.
func SelectMethod(methods []byte) byte {
	for _, m := range methods {
		if m == NoAuth {
			return NoAuth
		}
	}
	return NoAcceptableMethods
}

// ReadRequest reads a SOCKS5 command request from r.
// The request format is:
//
//	+-----+-----+-----+------+----------+----------+
//	| VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT |
//	+-----+-----+-----+------+----------+----------+
//	|  1  |  1  |  1  |  1   | Variable |    2     |
//
// The address length depends on ATYP, so the reader loops on short reads
// until the full frame is obtained. EOF mid-frame is an error.
func ReadRequest(r io.Reader) (*Request, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading request header: %w", err)
	}
	if head[0] != Version5 {
		return nil, ErrBadVersion
	}
	if head[2] != 0x00 {
		return nil, ErrBadReserved
	}

	req := &Request{Cmd: head[1], AddrType: head[3]}

	switch req.AddrType {
	case IPv4:
		var addr [4]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, fmt.Errorf("reading IPv4 address: %w", err)
		}
		req.IP = net.IP(addr[:])
		req.Host = req.IP.String()

	case IPv6:
		var addr [16]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, fmt.Errorf("reading IPv6 address: %w", err)
		}
		req.IP = net.IP(addr[:])
		req.Host = req.IP.String()

	case Domain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return nil, fmt.Errorf("reading domain length: %w", err)
		}
		name := make([]byte, int(length[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("reading domain: %w", err)
		}
		req.Host = string(name)

	default:
		return nil, ErrBadAddressType
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return nil, fmt.Errorf("reading port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(port[:])
	return req, nil
}

// AppendReply appends an encoded SOCKS5 reply to dst and returns the
// extended slice. The reply format mirrors the request with CMD replaced
// by REP. The ATYP follows the family of bnd; when bnd is nil (failure
// replies) the bound endpoint is encoded as IPv4 0.0.0.0:0.
func AppendReply(dst []byte, rep byte, bnd net.Addr) []byte {
	ip, port := splitAddr(bnd)

	dst = append(dst, Version5, rep, 0x00)
	if ip4 := ip.To4(); ip4 != nil {
		dst = append(dst, IPv4)
		dst = append(dst, ip4...)
	} else if ip != nil {
		dst = append(dst, IPv6)
		dst = append(dst, ip.To16()...)
	} else {
		dst = append(dst, IPv4, 0, 0, 0, 0)
	}
	return binary.BigEndian.AppendUint16(dst, port)
}

// splitAddr extracts IP and port from a TCP or UDP address.
func splitAddr(addr net.Addr) (net.IP, uint16) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, uint16(a.Port)
	case *net.UDPAddr:
		return a.IP, uint16(a.Port)
	default:
		return nil, 0
	}
}
