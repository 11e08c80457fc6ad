package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"socks5proxy/pkg/dnscache"
	"socks5proxy/pkg/socks"
)

// udpBufLen leaves headroom past the maximum datagram for the response
// wrapper header.
const udpBufLen = socks.MaxDatagramLen + 64

var udpBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, udpBufLen)
		return &b
	},
}

// handleUDPAssociate processes the SOCKS5 UDP ASSOCIATE command.
// It binds a relay socket on the listener's address family, reports its
// local endpoint in the reply, and relays datagrams until the client's TCP
// connection closes. The association never outlives its TCP connection.
func (h *handler) handleUDPAssociate(ctx context.Context) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: h.server.listenIP})
	if err != nil {
		h.logger.Warn().Err(err).Msg("binding relay socket failed")
		h.reply(socks.GeneralFailure, nil)
		return
	}
	defer udpConn.Close()

	clientTCP, ok := h.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		h.reply(socks.GeneralFailure, nil)
		return
	}

	if !h.reply(socks.Succeeded, udpConn.LocalAddr()) {
		return
	}

	// The control connection only signals association end from here on;
	// it may idle indefinitely.
	_ = h.conn.SetDeadline(time.Time{})

	relay := &udpRelay{
		conn:     udpConn,
		clientIP: clientTCP.IP,
		fallback: &net.UDPAddr{IP: clientTCP.IP, Port: clientTCP.Port},
		cache:    h.server.cache,
		logger:   h.logger.With().Str("relay", udpConn.LocalAddr().String()).Logger(),
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		defer recoverPanic(relay.logger)
		relay.run(relayCtx)
	}()

	relay.logger.Info().Msg("udp association established")

	h.awaitClientClose(ctx)
	cancel()
	udpConn.Close()
	<-relayDone

	relay.logger.Info().
		Uint64("forwarded", relay.forwarded.Load()).
		Uint64("returned", relay.returned.Load()).
		Msg("udp association closed")
}

// awaitClientClose blocks until the client's TCP connection closes or the
// server shuts down. Bytes on the control connection after UDP ASSOCIATE
// have no meaning and are discarded.
func (h *handler) awaitClientClose(ctx context.Context) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 256)
		for {
			if _, err := h.conn.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-readDone:
	case <-ctx.Done():
	}
}

// udpRelay owns one relay socket for the lifetime of an association.
// Clients are authenticated by IP: the first datagram whose source IP
// matches the client's TCP address is adopted as the canonical client UDP
// endpoint; thereafter only that exact endpoint counts as the client, and
// every other source is treated as a remote answering it.
type udpRelay struct {
	conn     *net.UDPConn
	clientIP net.IP
	fallback *net.UDPAddr // client TCP endpoint, used until one is learned
	learned  *net.UDPAddr
	cache    *dnscache.Cache
	logger   zerolog.Logger

	forwarded atomic.Uint64
	returned  atomic.Uint64
}

// run receives datagrams until the socket closes. One goroutine per
// association; learned-endpoint state is touched only here.
func (r *udpRelay) run(ctx context.Context) {
	for {
		buf := udpBufPool.Get().(*[]byte)
		n, src, err := r.conn.ReadFromUDP((*buf)[:socks.MaxDatagramLen])
		if err != nil {
			udpBufPool.Put(buf)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug().Err(err).Msg("relay receive failed")
			continue
		}
		r.handlePacket(ctx, (*buf)[:n], src)
		udpBufPool.Put(buf)
	}
}

// handlePacket classifies the datagram source and dispatches it.
func (r *udpRelay) handlePacket(ctx context.Context, pkt []byte, src *net.UDPAddr) {
	switch {
	case r.learned != nil && src.IP.Equal(r.learned.IP) && src.Port == r.learned.Port:
		r.clientToRemote(ctx, pkt)
	case r.learned == nil && src.IP.Equal(r.clientIP):
		r.learned = src
		r.logger.Debug().Str("client_udp", src.String()).Msg("learned client udp endpoint")
		r.clientToRemote(ctx, pkt)
	default:
		r.remoteToClient(pkt, src)
	}
}

// clientToRemote unwraps a client datagram and forwards its payload to the
// destination. Fragmented and malformed wrappers are dropped with a
// warning and no response, as are destinations that fail to resolve.
func (r *udpRelay) clientToRemote(ctx context.Context, pkt []byte) {
	d, err := socks.ParseDatagram(pkt)
	if err != nil {
		r.logger.Warn().Err(err).Msg("dropping client datagram")
		return
	}

	var dst *net.UDPAddr
	if d.IP != nil {
		dst = &net.UDPAddr{IP: d.IP, Port: int(d.Port)}
	} else {
		ips, rerr := r.cache.Resolve(ctx, d.Host)
		if rerr != nil {
			r.logger.Warn().Err(rerr).Str("dest", d.Target()).Msg("dns failure, datagram dropped")
			return
		}
		ip := dnscache.PreferIPv4(ips)
		if ip == nil {
			r.logger.Warn().Str("dest", d.Target()).Msg("no address for destination, datagram dropped")
			return
		}
		dst = &net.UDPAddr{IP: ip, Port: int(d.Port)}
	}

	if _, werr := r.conn.WriteToUDP(d.Payload, dst); werr != nil {
		r.logger.Debug().Err(werr).Str("dest", d.Target()).Msg("relay forward failed")
		return
	}
	r.forwarded.Add(1)
}

// remoteToClient wraps a remote datagram and sends it to the learned
// client endpoint, falling back to the client's TCP endpoint while none
// has been learned.
func (r *udpRelay) remoteToClient(pkt []byte, src *net.UDPAddr) {
	dst := r.learned
	if dst == nil {
		dst = r.fallback
		r.logger.Debug().
			Str("src", src.String()).
			Msg("datagram before client endpoint learned, using tcp endpoint")
	}

	buf := udpBufPool.Get().(*[]byte)
	defer udpBufPool.Put(buf)

	out := socks.AppendDatagramHeader((*buf)[:0], src)
	out = append(out, pkt...)

	if _, err := r.conn.WriteToUDP(out, dst); err != nil {
		r.logger.Debug().Err(err).Msg("relay return failed")
		return
	}
	r.returned.Add(1)
}
