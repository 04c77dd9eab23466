package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
)

// Session is a persistent framed TCP connection to one peer. Reader and
// writer run as independent tasks per §5; every network op times out at 3x
// the heartbeat interval.
type Session struct {
	PeerID string

	conn    net.Conn
	timeout time.Duration

	sendCh  chan Frame
	recvCh  chan Frame
	closeCh chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newSession(peerID string, conn net.Conn, timeout time.Duration) *Session {
	return &Session{
		PeerID:  peerID,
		conn:    conn,
		timeout: timeout,
		sendCh:  make(chan Frame, 64),
		recvCh:  make(chan Frame, 64),
		closeCh: make(chan struct{}),
	}
}

// run drives the session's reader and writer loops until either fails, the
// context is cancelled, or the session is closed. Intended to be launched as
// its own errgroup task by the owning Transport.
func (s *Session) run(ctx context.Context) error {
	logger := log.WithComponent("transport").With().Str("peer_id", s.PeerID).Logger()

	done := make(chan error, 2)
	go func() { done <- s.readLoop(logger) }()
	go func() { done <- s.writeLoop(logger) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		runErr = ctx.Err()
	case <-s.closeCh:
		runErr = s.closeErr
	}
	s.Close()
	close(s.recvCh)
	return runErr
}

func (s *Session) readLoop(logger zerolog.Logger) error {
	for {
		if s.timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		}
		f, err := ReadFrame(s.conn)
		if err != nil {
			logger.Debug().Err(err).Msg("session read failed, closing")
			return err
		}
		select {
		case s.recvCh <- f:
		case <-s.closeCh:
			return nil
		}
	}
}

func (s *Session) writeLoop(logger zerolog.Logger) error {
	for {
		select {
		case f := <-s.sendCh:
			if s.timeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			}
			if err := WriteFrame(s.conn, f); err != nil {
				logger.Debug().Err(err).Msg("session write failed, closing")
				return err
			}
		case <-s.closeCh:
			return nil
		}
	}
}

// Send enqueues a frame for delivery. Returns false if the session is
// closed or the send buffer is full (the frame is dropped rather than
// blocking the caller; the session stays open).
func (s *Session) Send(f Frame) bool {
	select {
	case s.sendCh <- f:
		return true
	case <-s.closeCh:
		return false
	default:
		return false
	}
}

// Recv returns the channel of frames received from the peer. Closed when
// the session ends.
func (s *Session) Recv() <-chan Frame {
	return s.recvCh
}

// Close closes the underlying connection and stops both loops. Safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
