package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftsec/dshield-mcp/internal/config"
)

// StdioConnID names the single connection a stdio transport carries.
const StdioConnID = "stdio"

// Stdio serves one connection over a line-delimited byte stream: one
// JSON-RPC message per newline-terminated line in each direction. An
// oversized line gets a size-limit error response and closes the
// connection, because the line reader cannot resynchronize past it.
type Stdio struct {
	in       io.Reader
	out      io.Writer
	maxFrame int64
	logger   zerolog.Logger

	inbound  chan Inbound
	inflight chan struct{}
	done     chan struct{}
	onClose  func(connID string)

	mu     sync.Mutex
	closed bool

	wg          sync.WaitGroup
	inboundOnce sync.Once
}

// NewStdio builds the transport over os.Stdin and os.Stdout.
func NewStdio(cfg config.TransportConfig, log zerolog.Logger) *Stdio {
	return NewStdioOn(os.Stdin, os.Stdout, cfg, log)
}

// NewStdioOn builds the transport over explicit streams. Tests drive it
// through pipes.
func NewStdioOn(in io.Reader, out io.Writer, cfg config.TransportConfig, log zerolog.Logger) *Stdio {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	inflight := cfg.MaxInflightPerConn
	if inflight <= 0 {
		inflight = 16
	}
	return &Stdio{
		in:       in,
		out:      out,
		maxFrame: maxFrame,
		logger:   log.With().Str("component", "transport").Str("mode", "stdio").Logger(),
		inbound:  make(chan Inbound),
		inflight: make(chan struct{}, inflight),
		done:     make(chan struct{}),
	}
}

// SetConnCloseHandler registers the facade's teardown hook.
func (s *Stdio) SetConnCloseHandler(fn func(connID string)) {
	s.onClose = fn
}

// Inbound delivers received frames.
func (s *Stdio) Inbound() <-chan Inbound {
	return s.inbound
}

// Start launches the read pump.
func (s *Stdio) Start(ctx context.Context) error {
	s.logger.Info().Msg("stdio transport ready")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx)
	}()
	return nil
}

func (s *Stdio) readLoop(ctx context.Context) {
	// Scanner treats the larger of the initial buffer and the max as the
	// token cap, so the initial buffer must not exceed the frame limit.
	bufSize := 64 * 1024
	if int(s.maxFrame) < bufSize {
		bufSize = int(s.maxFrame)
	}
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, bufSize), int(s.maxFrame))

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case s.inflight <- struct{}{}:
		case <-s.done:
			return
		case <-ctx.Done():
			s.teardown("context canceled")
			return
		}
		select {
		case s.inbound <- Inbound{ConnID: StdioConnID, Frame: frame, Done: s.release}:
		case <-s.done:
			s.release()
			return
		case <-ctx.Done():
			s.release()
			s.teardown("context canceled")
			return
		}
	}

	switch err := scanner.Err(); {
	case err == nil:
		s.teardown("stdin closed")
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn().Int64("max_bytes", s.maxFrame).Msg("oversized frame on stdin")
		_ = s.write(limitExceededFrame(0, s.maxFrame))
		s.teardown("frame size exceeded")
	default:
		if !s.isClosed() {
			s.logger.Warn().Err(err).Msg("stdin read failed")
		}
		s.teardown("read error")
	}
}

func (s *Stdio) release() {
	select {
	case <-s.inflight:
	default:
	}
}

// ConnCount reports 1 until the single connection closes.
func (s *Stdio) ConnCount() int {
	if s.isClosed() {
		return 0
	}
	return 1
}

func (s *Stdio) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send writes one frame followed by a newline.
func (s *Stdio) Send(connID string, frame []byte) error {
	if connID != StdioConnID {
		return ErrUnknownConn
	}
	return s.write(frame)
}

func (s *Stdio) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnClosed
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := s.out.Write(buf)
	return err
}

// CloseConn tears the single connection down.
func (s *Stdio) CloseConn(connID, reason string) {
	if connID != StdioConnID {
		return
	}
	s.teardown(reason)
}

// teardown marks the connection closed, unblocks the reader, and fires
// the close handler exactly once.
func (s *Stdio) teardown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	s.logger.Info().Str("conn_id", StdioConnID).Str("reason", reason).Msg("connection closed")
	if closer, ok := s.in.(io.Closer); ok {
		closer.Close()
	}
	if s.onClose != nil {
		s.onClose(StdioConnID)
	}
}

// Shutdown closes the connection and waits for the read pump.
func (s *Stdio) Shutdown(ctx context.Context) error {
	s.teardown("server shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.inboundOnce.Do(func() { close(s.inbound) })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
