package proxy

import (
	"context"
	"net"
	"time"

	"socks5proxy/pkg/socks"
)

// connectTimeout bounds the upstream dial for CONNECT requests.
const connectTimeout = 10 * time.Second

// handleConnect processes the SOCKS5 CONNECT command: dial the requested
// target, report the outbound socket's local endpoint in the reply, then
// tunnel bytes in both directions until either side closes.
//
// Dial failures are folded to SOCKS5 reply codes; the OS error never
// reaches the client.
func (h *handler) handleConnect(ctx context.Context, req *socks.Request) {
	dest := h.destLabel(req)

	dialer := net.Dialer{Timeout: connectTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", req.Target())
	if err != nil {
		rep := socks.ReplyFor(err)
		h.logger.Warn().
			Str("dest", dest).
			Uint8("rep", rep).
			Err(err).
			Msg("upstream connect failed")
		h.reply(rep, nil)
		return
	}
	defer upstream.Close()

	if tcp, ok := upstream.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if !h.reply(socks.Succeeded, upstream.LocalAddr()) {
		return
	}

	// Control plane is done; the tunnel may idle arbitrarily long.
	_ = h.conn.SetDeadline(time.Time{})

	h.logger.Info().
		Str("dest", dest).
		Str("bound", upstream.LocalAddr().String()).
		Msg("tunnel established")

	tx, rx := h.runTunnel(ctx, upstream)

	h.logger.Info().
		Str("dest", dest).
		Int64("client_to_remote", tx).
		Int64("remote_to_client", rx).
		Msg("tunnel closed")
}
