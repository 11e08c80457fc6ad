package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"socks5proxy/pkg/socks"
)

// controlTimeout bounds each control phase: one deadline is armed before
// method negotiation and again before the request, and it covers every
// read of that phase together rather than each read separately. It never
// applies to tunneled data.
const controlTimeout = 30 * time.Second

// handler owns one client connection and walks it through the SOCKS5
// phases: method negotiation, request, then either a TCP tunnel or a UDP
// association. Every exit path closes the client socket (via the spawn
// defer) and at most one upstream resource.
type handler struct {
	id     uuid.UUID
	conn   net.Conn
	server *Server
	logger zerolog.Logger
}

// serve runs the protocol state machine. The SOCKS flow has three
// sequential phases:
//
//  1. Authentication method negotiation
//  2. Command processing (CONNECT, UDP ASSOCIATE)
//  3. Data transfer between client and target
func (h *handler) serve(ctx context.Context) {
	if tcp, ok := h.conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	req, ok := h.negotiate()
	if !ok {
		return
	}

	switch req.Cmd {
	case socks.Connect:
		h.handleConnect(ctx, req)
	case socks.UDPAssociate:
		h.handleUDPAssociate(ctx)
	default:
		// BIND and unknown commands
		h.logger.Warn().Uint8("cmd", req.Cmd).Msg("unsupported command")
		h.reply(socks.CommandNotSupported, nil)
	}
}

// negotiate runs the method negotiation and request phases under the
// control-plane timeout. On a protocol failure it sends exactly one
// terminal message and reports false; a client that disconnects or times
// out mid-message gets no message.
func (h *handler) negotiate() (*socks.Request, bool) {
	_ = h.conn.SetDeadline(time.Now().Add(controlTimeout))

	methods, err := socks.ReadMethods(h.conn)
	if err != nil {
		h.logDisconnect("negotiation failed", err)
		if errors.Is(err, socks.ErrBadVersion) || errors.Is(err, socks.ErrNoMethods) {
			_, _ = h.conn.Write([]byte{socks.Version5, socks.NoAcceptableMethods})
		}
		return nil, false
	}

	method := socks.SelectMethod(methods)
	if _, err := h.conn.Write([]byte{socks.Version5, method}); err != nil {
		h.logDisconnect("writing method selection failed", err)
		return nil, false
	}
	if method == socks.NoAcceptableMethods {
		h.logger.Warn().Msg("no acceptable authentication method offered")
		return nil, false
	}

	_ = h.conn.SetDeadline(time.Now().Add(controlTimeout))

	req, err := socks.ReadRequest(h.conn)
	if err != nil {
		rep := socks.GeneralFailure
		if errors.Is(err, socks.ErrBadAddressType) {
			rep = socks.AddressTypeNotSupported
		}
		h.logDisconnect("malformed request", err)
		h.reply(rep, nil)
		// Unread request bytes turn the final close into a reset; half-close
		// first so the client reads the reply and then a clean end of stream.
		if tcp, ok := h.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		return nil, false
	}
	return req, true
}

// reply sends a single SOCKS5 reply. bnd is the bound endpoint for success
// replies and nil for failures.
func (h *handler) reply(rep byte, bnd net.Addr) bool {
	_ = h.conn.SetWriteDeadline(time.Now().Add(controlTimeout))
	if _, err := h.conn.Write(socks.AppendReply(nil, rep, bnd)); err != nil {
		h.logDisconnect("writing reply failed", err)
		return false
	}
	if rep != socks.Succeeded {
		h.logger.Info().Uint8("rep", rep).Str("detail", socks.RepToString[rep]).Msg("request rejected")
	}
	return true
}

// logDisconnect records a control-plane failure. A peer that vanished
// mid-handshake is routine and logged at debug; anything else is a warning.
func (h *handler) logDisconnect(msg string, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		h.logger.Debug().Err(err).Msg(msg)
		return
	}
	h.logger.Warn().Err(err).Msg(msg)
}

// destLabel renders a request destination for logging, decorated with the
// configured friendly name when the destination is a labeled IP. Domain
// destinations are never decorated.
func (h *handler) destLabel(req *socks.Request) string {
	if req.IP == nil {
		return req.Target()
	}
	return req.Target() + h.server.names.Suffix(req.Host)
}

// isPeerClosed reports whether err is a normal end-of-stream condition:
// peer EOF, a reset from either side, our own socket being closed, or
// cancellation. None of these are reported as tunnel errors.
func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
