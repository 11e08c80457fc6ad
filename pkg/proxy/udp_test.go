package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socks5proxy/pkg/dnscache"
	"socks5proxy/pkg/socks"
)

// startUDPEcho runs a UDP echo server for the duration of the test.
func startUDPEcho(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64<<10)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], src)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

// associate issues UDP ASSOCIATE and returns the relay endpoint.
func associate(t *testing.T, conn net.Conn) *net.UDPAddr {
	t.Helper()
	_, err := conn.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, socks.Succeeded, reply[1])
	require.Equal(t, socks.IPv4, reply[3])

	return &net.UDPAddr{
		IP:   net.IPv4(reply[4], reply[5], reply[6], reply[7]),
		Port: int(reply[8])<<8 | int(reply[9]),
	}
}

func wrapIPv4(dst *net.UDPAddr, payload []byte) []byte {
	pkt := []byte{0x00, 0x00, 0x00, 0x01}
	pkt = append(pkt, dst.IP.To4()...)
	pkt = append(pkt, byte(dst.Port>>8), byte(dst.Port))
	return append(pkt, payload...)
}

func TestUDPAssociateRelaysDatagrams(t *testing.T) {
	s, _, _ := newTestServer(t)
	echo := startUDPEcho(t)

	control := dialProxy(t, s)
	handshake(t, control)
	relay := associate(t, control)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	payload := []byte("ping through the relay")
	_, err = client.WriteToUDP(wrapIPv4(echo, payload), relay)
	require.NoError(t, err)

	buf := make([]byte, 64<<10)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	d, err := socks.ParseDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, echo.String(), d.Target())
	assert.Equal(t, payload, d.Payload)
}

func TestUDPAssociateResolvesDomains(t *testing.T) {
	s, _, _ := newTestServer(t)
	echo := startUDPEcho(t)

	// Hermetic resolver: every name maps to the loopback echo host.
	s.cache = dnscache.NewWithLookup(16, time.Minute, func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.IPv4(127, 0, 0, 1)}, nil
	})

	control := dialProxy(t, s)
	handshake(t, control)
	relay := associate(t, control)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	name := "echo.test"
	pkt := []byte{0x00, 0x00, 0x00, 0x03, byte(len(name))}
	pkt = append(pkt, name...)
	pkt = append(pkt, byte(echo.Port>>8), byte(echo.Port))
	payload := []byte("domain-addressed datagram")
	pkt = append(pkt, payload...)

	_, err = client.WriteToUDP(pkt, relay)
	require.NoError(t, err)

	buf := make([]byte, 64<<10)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	d, err := socks.ParseDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, payload, d.Payload)
}

func TestUDPAssociateDropsFragments(t *testing.T) {
	s, _, _ := newTestServer(t)
	echo := startUDPEcho(t)

	control := dialProxy(t, s)
	handshake(t, control)
	relay := associate(t, control)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	pkt := wrapIPv4(echo, []byte("must not be forwarded"))
	pkt[2] = 0x01 // FRAG
	_, err = client.WriteToUDP(pkt, relay)
	require.NoError(t, err)

	// No forwarding and no reply of any kind.
	_ = client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = client.ReadFromUDP(make([]byte, 1024))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestUDPAssociationDiesWithControlConnection(t *testing.T) {
	s, _, _ := newTestServer(t)

	control := dialProxy(t, s)
	handshake(t, control)
	relay := associate(t, control)

	require.NoError(t, control.Close())

	// The relay socket must close shortly after the TCP connection.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		probe, err := net.ListenUDP("udp", relay)
		if err == nil {
			probe.Close()
			return // port released, association torn down
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("relay socket still bound after control connection closed")
}
