package socks

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatagramIPv4(t *testing.T) {
	// DNS query to 8.8.8.8:53
	raw := []byte{0x00, 0x00, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35, 0xDE, 0xAD, 0xBE, 0xEF}
	d, err := ParseDatagram(raw)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8:53", d.Target())
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, d.Payload)
}

func TestParseDatagramDomain(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x03, 0x0B}
	raw = append(raw, []byte("example.org")...)
	raw = append(raw, 0x00, 0x35)
	raw = append(raw, 0x01, 0x02)
	d, err := ParseDatagram(raw)
	require.NoError(t, err)
	assert.Nil(t, d.IP)
	assert.Equal(t, "example.org:53", d.Target())
	assert.Equal(t, []byte{0x01, 0x02}, d.Payload)
}

func TestParseDatagramPayloadAliasesInput(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x35, 0xAA}
	d, err := ParseDatagram(raw)
	require.NoError(t, err)
	raw[10] = 0xBB
	assert.Equal(t, byte(0xBB), d.Payload[0])
}

func TestParseDatagramRejectsFragments(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x01, 0x01, 8, 8, 8, 8, 0x00, 0x35, 0x00}
	_, err := ParseDatagram(raw)
	require.ErrorIs(t, err, ErrFragmented)
}

func TestParseDatagramRejectsShortInput(t *testing.T) {
	for i := 0; i < minDatagramLen; i++ {
		_, err := ParseDatagram(make([]byte, i))
		require.ErrorIs(t, err, ErrShortDatagram, "length %d", i)
	}

	// Domain header longer than the buffer
	raw := []byte{0x00, 0x00, 0x00, 0x03, 0xFF, 'a', 'b', 'c', 0x00, 0x35}
	_, err := ParseDatagram(raw)
	require.ErrorIs(t, err, ErrShortDatagram)
}

func TestParseDatagramRejectsBadReserved(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35}
	_, err := ParseDatagram(raw)
	require.ErrorIs(t, err, ErrBadReserved)
}

func TestAppendDatagramHeaderRoundTrip(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 53}
	payload := []byte("response bytes")

	wrapped := AppendDatagramHeader(nil, src)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35}, wrapped)
	wrapped = append(wrapped, payload...)

	d, err := ParseDatagram(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8:53", d.Target())
	assert.Equal(t, payload, d.Payload)
}

func TestAppendDatagramHeaderIPv6(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 8000}
	wrapped := append(AppendDatagramHeader(nil, src), 0xFF)

	d, err := ParseDatagram(wrapped)
	require.NoError(t, err)
	assert.Equal(t, IPv6, d.AddrType)
	assert.Equal(t, "[2001:db8::2]:8000", d.Target())
}
