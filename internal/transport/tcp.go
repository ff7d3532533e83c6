package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/config"
)

const (
	// tcpHeaderSize is the length prefix: a big-endian uint32 byte count.
	tcpHeaderSize = 4
	// writeWait bounds a single frame write to a slow or dead peer.
	writeWait = 10 * time.Second
	// outboundQueueSize buffers responses per connection before Send blocks.
	outboundQueueSize = 64
)

// TCP serves length-prefixed JSON-RPC frames over a TCP listener. Each
// frame is [u32 big-endian N][N bytes]; a declared length over the cap is
// answered with a size-limit error and the connection closed, since the
// stream cannot be trusted past a refused prefix.
type TCP struct {
	cfg      config.TransportConfig
	maxFrame int64
	inflight int
	idle     time.Duration
	logger   zerolog.Logger

	inbound chan Inbound
	onClose func(connID string)

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*tcpConn
	nextID   uint64
	closed   bool

	wg          sync.WaitGroup
	inboundOnce sync.Once
}

type tcpConn struct {
	id       string
	conn     net.Conn
	outbound chan []byte
	inflight chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTCP builds the transport; the listener opens in Start.
func NewTCP(cfg config.TransportConfig, log zerolog.Logger) *TCP {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	inflight := cfg.MaxInflightPerConn
	if inflight <= 0 {
		inflight = 16
	}
	idle := time.Duration(cfg.TCP.ConnectionTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &TCP{
		cfg:      cfg,
		maxFrame: maxFrame,
		inflight: inflight,
		idle:     idle,
		logger:   log.With().Str("component", "transport").Str("mode", "tcp").Logger(),
		inbound:  make(chan Inbound),
		conns:    make(map[string]*tcpConn),
	}
}

// SetConnCloseHandler registers the facade's teardown hook.
func (t *TCP) SetConnCloseHandler(fn func(connID string)) {
	t.onClose = fn
}

// Inbound delivers received frames from every connection.
func (t *TCP) Inbound() <-chan Inbound {
	return t.inbound
}

// Start opens the listener and launches the accept loop.
func (t *TCP) Start(ctx context.Context) error {
	addr := net.JoinHostPort(t.cfg.TCP.Bind, strconv.Itoa(t.cfg.TCP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info().Str("addr", listener.Addr().String()).Msg("tcp transport listening")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx, listener)
	}()
	return nil
}

func (t *TCP) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		if max := t.cfg.TCP.MaxConnections; max > 0 && t.ConnCount() >= max {
			t.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max_connections", max).
				Msg("connection limit reached, rejecting")
			conn.Close()
			continue
		}
		t.adopt(ctx, conn)
	}
}

// adopt registers a connection and launches its read and write pumps.
func (t *TCP) adopt(ctx context.Context, conn net.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.nextID++
	c := &tcpConn{
		id:       fmt.Sprintf("tcp-%d", t.nextID),
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		inflight: make(chan struct{}, t.inflight),
		done:     make(chan struct{}),
	}
	t.conns[c.id] = c
	t.mu.Unlock()

	t.logger.Info().
		Str("conn_id", c.id).
		Str("remote", conn.RemoteAddr().String()).
		Msg("connection accepted")

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, c)
	}()
	go func() {
		defer t.wg.Done()
		t.writeLoop(c)
	}()
}

func (t *TCP) readLoop(ctx context.Context, c *tcpConn) {
	header := make([]byte, tcpHeaderSize)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(t.idle)); err != nil {
			t.teardown(c, "deadline unavailable")
			return
		}
		if _, err := io.ReadFull(c.conn, header); err != nil {
			t.teardown(c, readEndReason(err, false))
			return
		}

		size := int64(binary.BigEndian.Uint32(header))
		if size > t.maxFrame {
			t.logger.Warn().
				Str("conn_id", c.id).
				Int64("frame_bytes", size).
				Int64("max_bytes", t.maxFrame).
				Msg("oversized frame")
			t.enqueue(c, limitExceededFrame(size, t.maxFrame))
			t.teardown(c, "frame size exceeded")
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(c.conn, frame); err != nil {
			t.teardown(c, readEndReason(err, true))
			return
		}

		// Backpressure: stop reading while the connection has the
		// maximum number of frames in flight.
		select {
		case c.inflight <- struct{}{}:
		case <-c.done:
			return
		case <-ctx.Done():
			t.teardown(c, "context canceled")
			return
		}
		select {
		case t.inbound <- Inbound{ConnID: c.id, Frame: frame, Done: c.release}:
		case <-c.done:
			c.release()
			return
		case <-ctx.Done():
			c.release()
			t.teardown(c, "context canceled")
			return
		}
	}
}

// readEndReason folds the read error cases into close reasons. A partial
// frame is an EOF mid-read; an idle connection hits the read deadline.
func readEndReason(err error, midFrame bool) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF) && !midFrame:
		return "client disconnected"
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return "partial frame at EOF"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle timeout"
	case errors.Is(err, net.ErrClosed):
		return "connection closed"
	default:
		return "read error: " + err.Error()
	}
}

// writeLoop owns the socket close: it exits only after the connection is
// torn down and queued frames are flushed, so error frames reach the peer
// before the FIN.
func (t *TCP) writeLoop(c *tcpConn) {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.outbound:
			if err := t.writeFrame(c, frame); err != nil {
				t.logger.Warn().Str("conn_id", c.id).Err(err).Msg("write failed")
				t.teardown(c, "write failed")
				return
			}
		case <-c.done:
			// Flush frames queued before the close, error frames
			// included, then stop.
			for {
				select {
				case frame := <-c.outbound:
					if t.writeFrame(c, frame) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *TCP) writeFrame(c *tcpConn, frame []byte) error {
	buf := make([]byte, tcpHeaderSize+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[tcpHeaderSize:], frame)
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpConn) release() {
	select {
	case <-c.inflight:
	default:
	}
}

// Send queues one frame on the connection's outbound queue.
func (t *TCP) Send(connID string, frame []byte) error {
	t.mu.Lock()
	c := t.conns[connID]
	t.mu.Unlock()
	if c == nil {
		return ErrUnknownConn
	}
	return t.enqueue(c, frame)
}

func (t *TCP) enqueue(c *tcpConn, frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// CloseConn tears one connection down.
func (t *TCP) CloseConn(connID, reason string) {
	t.mu.Lock()
	c := t.conns[connID]
	t.mu.Unlock()
	if c != nil {
		t.teardown(c, reason)
	}
}

// teardown closes the socket, unregisters the connection, and fires the
// close handler exactly once.
func (t *TCP) teardown(c *tcpConn, reason string) {
	c.once.Do(func() {
		close(c.done)

		t.mu.Lock()
		delete(t.conns, c.id)
		t.mu.Unlock()

		t.logger.Info().Str("conn_id", c.id).Str("reason", reason).Msg("connection closed")
		if t.onClose != nil {
			t.onClose(c.id)
		}
	})
}

// ConnCount reports live connections.
func (t *TCP) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Addr reports the bound listener address, nil before Start. With port 0
// in the config this is the only way to learn the assigned port.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Shutdown stops accepting, closes every connection, and waits for the
// pumps, bounded by ctx.
func (t *TCP) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	listener := t.listener
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		t.teardown(c, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.inboundOnce.Do(func() { close(t.inbound) })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
