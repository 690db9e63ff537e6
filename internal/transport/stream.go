package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/monitor"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"go.uber.org/zap"
)

// port is the physical byte stream under a stream transport.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	SetWriteTimeout(d time.Duration) error
	// Flush drops input that has arrived but not been read.
	Flush() error
}

type dialFunc func(ctx context.Context) (port, error)

// stream implements the framed exchange shared by the TCP and Serial variants.
type stream struct {
	kind   string
	target string
	dial   dialFunc
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	port      port
	connected bool

	// lateUntil is set when an exchange timed out: its reply may still be
	// on the way and must not be taken for the next one.
	lateUntil time.Time
}

func newStream(kind, target string, dial dialFunc, opts Options, logger *zap.Logger) *stream {
	return &stream{
		kind:   kind,
		target: target,
		dial:   dial,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

func (s *stream) Kind() string {
	return s.kind
}

// Connect opens the stream
func (s *stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	p, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: connecting to %s: %v", types.ErrTransportTimeout, s.target, err)
		}
		return fmt.Errorf("%w: connecting to %s: %v", types.ErrTransportClosed, s.target, err)
	}

	s.port = p
	s.connected = true

	s.logger.Info("Transport connected",
		zap.String("kind", s.kind),
		zap.String("target", s.target))

	return nil
}

// Disconnect waits for the running exchange, then closes the stream
func (s *stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	err := s.port.Close()
	s.connected = false
	s.port = nil

	s.logger.Info("Transport disconnected", zap.String("kind", s.kind))
	return err
}

func (s *stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stream) Send(ctx context.Context, cmd string, expectReply bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", types.ErrNotConnected
	}

	if err := s.settle(); err != nil {
		return "", err
	}
	if err := s.write(cmd); err != nil {
		return "", err
	}
	if !expectReply {
		return "", nil
	}

	deadline := time.Now().Add(s.opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var reply []byte
	for {
		if idx := bytes.IndexByte(reply, Terminator); idx >= 0 {
			// One request, one reply: anything after the terminator is noise.
			if rest := bytes.TrimSpace(reply[idx+1:]); len(rest) > 0 {
				s.logger.Debug("Discarded bytes after reply",
					zap.String("kind", s.kind),
					zap.String("command", cmd),
					zap.ByteString("bytes", rest))
			}
			monitor.TransportExchanges.WithLabelValues(s.kind).Inc()
			return strings.TrimSpace(string(reply[:idx])), nil
		}
		if err := ctx.Err(); err != nil {
			s.expectLate()
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			monitor.TransportFailures.WithLabelValues(s.kind, "timeout").Inc()
			s.expectLate()
			return "", fmt.Errorf("%w: no reply to %q within %s", types.ErrTransportTimeout, cmd, s.opts.CommandTimeout)
		}

		chunk, err := s.read(remaining)
		if err != nil {
			return "", err
		}
		reply = append(reply, chunk...)
	}
}

func (s *stream) ReadUntilTerminator(ctx context.Context, cmd string, budget time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", types.ErrNotConnected
	}

	if err := s.settle(); err != nil {
		return "", err
	}
	if err := s.write(cmd); err != nil {
		return "", err
	}

	started := time.Now()
	var text []byte
	for {
		if len(text) > 0 && text[len(text)-1] == Terminator {
			break
		}
		if time.Since(started) >= budget {
			monitor.TransportFailures.WithLabelValues(s.kind, "budget").Inc()
			s.expectLate()
			return strings.TrimSpace(string(text)), fmt.Errorf("%w: buffer read exceeded %s", types.ErrTransportTimeout, budget)
		}
		if err := ctx.Err(); err != nil {
			s.expectLate()
			return strings.TrimSpace(string(text)), err
		}

		timeout := s.opts.CommandTimeout
		clipped := false
		if left := budget - time.Since(started); left < timeout {
			timeout = left
			clipped = true
		}

		chunk, err := s.read(timeout)
		if err != nil {
			return strings.TrimSpace(string(text)), err
		}
		if len(chunk) == 0 {
			// A read cut short by the budget is not a quiet device.
			if clipped {
				continue
			}
			if len(text) == 0 {
				monitor.TransportFailures.WithLabelValues(s.kind, "timeout").Inc()
				s.expectLate()
				return "", fmt.Errorf("%w: no reply to %q", types.ErrTransportTimeout, cmd)
			}
			break
		}
		text = append(text, chunk...)

		if len(chunk) < s.opts.ReadQuota {
			time.Sleep(s.opts.PollInterval)
		}
	}

	monitor.TransportExchanges.WithLabelValues(s.kind).Inc()
	return strings.TrimSpace(string(text)), nil
}

func (s *stream) expectLate() {
	s.lateUntil = time.Now().Add(s.opts.CommandTimeout)
}

// settle runs before every write. After a timed-out exchange it waits, up to
// one command timeout, for the late reply and drops it. Then it flushes
// whatever else is pending.
func (s *stream) settle() error {
	if !s.lateUntil.IsZero() {
		until := s.lateUntil
		s.lateUntil = time.Time{}

		var late []byte
		for bytes.IndexByte(late, Terminator) < 0 {
			left := time.Until(until)
			if left <= 0 {
				break
			}
			chunk, err := s.read(left)
			if err != nil {
				return err
			}
			if len(chunk) == 0 {
				break
			}
			late = append(late, chunk...)
		}
		if len(late) > 0 {
			s.logger.Debug("Discarded late reply",
				zap.String("kind", s.kind),
				zap.Int("bytes", len(late)))
		}
	}

	if err := s.port.Flush(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *stream) write(cmd string) error {
	if err := s.port.SetWriteTimeout(s.opts.CommandTimeout); err != nil {
		return s.fail(err)
	}

	frame := append([]byte(cmd), Terminator)
	if _, err := s.port.Write(frame); err != nil {
		if isTimeout(err) {
			monitor.TransportFailures.WithLabelValues(s.kind, "timeout").Inc()
			return fmt.Errorf("%w: write %q: %v", types.ErrTransportTimeout, cmd, err)
		}
		return s.fail(err)
	}
	return nil
}

// read returns an empty chunk when nothing arrives within timeout.
func (s *stream) read(timeout time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return nil, s.fail(err)
	}

	buf := make([]byte, s.opts.ReadQuota)
	n, err := s.port.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return buf[:n], nil
		}
		return nil, s.fail(err)
	}
	return buf[:n], nil
}

// fail marks the stream closed after an irrecoverable I/O error.
func (s *stream) fail(err error) error {
	monitor.TransportFailures.WithLabelValues(s.kind, "closed").Inc()
	s.logger.Error("Transport failed",
		zap.String("kind", s.kind),
		zap.String("target", s.target),
		zap.Error(err))

	if s.port != nil {
		s.port.Close()
	}
	s.port = nil
	s.connected = false
	return fmt.Errorf("%w: %v", types.ErrTransportClosed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
