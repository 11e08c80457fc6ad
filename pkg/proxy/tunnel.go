package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"socks5proxy/pkg/pipe"
)

// tunnelGrace bounds the wait for the second tunnel direction after the
// first one finishes. Past the grace both sockets are closed outright.
const tunnelGrace = 5 * time.Second

// runTunnel relays bytes between the client and the upstream in both
// directions until one side closes. Each direction is an independent
// bounded pipeline (reader goroutine, writer goroutine) so backpressure in
// one never stalls the other. When a direction ends it cancels the tunnel;
// the other direction gets the grace window to flush, after which both
// sockets are closed unconditionally.
//
// Returns the byte totals delivered in each direction. A peer closing is
// a normal end, not an error.
func (h *handler) runTunnel(ctx context.Context, upstream net.Conn) (tx, rx int64) {
	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Data keeps flowing through the grace window after one direction
	// ends; flowCtx stops both pipelines at force-close time.
	flowCtx, stopFlow := context.WithCancel(context.Background())
	defer stopFlow()

	var wg sync.WaitGroup
	var clientToRemote, remoteToClient atomic.Int64

	run := func(src, dst net.Conn, written *atomic.Int64) {
		q := pipe.New()
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer recoverPanic(h.logger)
			pump(flowCtx, src, q)
		}()
		go func() {
			defer wg.Done()
			defer cancel()
			defer recoverPanic(h.logger)
			h.drainPipe(flowCtx, q, dst, written)
		}()
	}
	run(h.conn, upstream, &clientToRemote)
	run(upstream, h.conn, &remoteToClient)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-tunnelCtx.Done():
		select {
		case <-done:
		case <-time.After(tunnelGrace):
			h.logger.Debug().Msg("tunnel grace expired")
		}
	}

	// Unblock any reader still parked in Read and any writer still
	// draining, then wait for the goroutines to settle.
	h.conn.Close()
	upstream.Close()
	stopFlow()
	<-done

	return clientToRemote.Load(), remoteToClient.Load()
}

// pump reads segments from src into pooled buffers and pushes them onto
// the pipeline, honoring its watermarks. EOF closes the pipeline cleanly;
// any other read error closes it with that error.
func pump(ctx context.Context, src net.Conn, q *pipe.Pipe) {
	for {
		buf := pipe.GetBuffer()
		n, err := src.Read(*buf)
		if n > 0 {
			if perr := q.Push(ctx, pipe.Frame{Buf: buf, Data: (*buf)[:n]}); perr != nil {
				pipe.PutBuffer(buf)
				q.CloseWrite(perr)
				return
			}
		} else {
			pipe.PutBuffer(buf)
		}
		if err != nil {
			if err == io.EOF {
				q.CloseWrite(nil)
			} else {
				q.CloseWrite(err)
			}
			return
		}
	}
}

// drainPipe writes pipeline frames to dst in order. On clean EOF it
// half-closes dst so the FIN propagates while the opposite direction keeps
// flowing through the grace window.
func (h *handler) drainPipe(ctx context.Context, q *pipe.Pipe, dst net.Conn, written *atomic.Int64) {
	defer q.Drain()

	for {
		f, err := q.Pop(ctx)
		if err != nil {
			if err == io.EOF {
				if tcp, ok := dst.(*net.TCPConn); ok {
					_ = tcp.CloseWrite()
				}
			} else if !isPeerClosed(err) {
				h.logger.Debug().Err(err).Msg("tunnel direction ended")
			}
			return
		}

		nw, werr := dst.Write(f.Data)
		written.Add(int64(nw))
		pipe.PutBuffer(f.Buf)
		if werr != nil {
			if !isPeerClosed(werr) {
				h.logger.Debug().Err(werr).Msg("tunnel write failed")
			}
			return
		}
	}
}
