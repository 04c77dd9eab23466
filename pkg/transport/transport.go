package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"golang.org/x/sync/errgroup"
)

// Handler is invoked for every frame received on any session. peerID
// identifies the sender (the session's PeerID once the handshake has run;
// the frame's own SenderID before that).
type Handler func(peerID string, f Frame)

// Transport owns the listener and the set of per-peer sessions. One
// Transport per node; membership and replication both send frames through
// it and register a Handler to receive them.
type Transport struct {
	selfID  string
	timeout time.Duration

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	handler Handler
}

// New creates a Transport bound to bindAddr. timeout should be 3x the
// configured heartbeat interval, per §5's cancellation rule.
func New(selfID, bindAddr string, timeout time.Duration) (*Transport, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", bindAddr, err)
	}
	return &Transport{
		selfID:   selfID,
		timeout:  timeout,
		listener: ln,
		sessions: make(map[string]*Session),
	}, nil
}

// OnFrame registers the handler invoked for every received frame. Must be
// called before Run.
func (t *Transport) OnFrame(h Handler) {
	t.handler = h
}

// Addr returns the address the listener is bound to.
func (t *Transport) Addr() net.Addr {
	return t.listener.Addr()
}

// Run accepts inbound connections until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	logger := log.WithComponent("transport")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return t.listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := t.listener.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					logger.Error().Err(err).Msg("accept failed")
					return err
				}
			}
			go t.serve(gctx, conn)
		}
	})

	return g.Wait()
}

// serve handles one inbound connection: it waits for the peer's first frame
// to learn its ID (any frame carries SenderID), registers the session, and
// runs it until it ends.
func (t *Transport) serve(ctx context.Context, conn net.Conn) {
	logger := log.WithComponent("transport")

	first, err := ReadFrame(conn)
	if err != nil {
		logger.Debug().Err(err).Msg("inbound connection failed before first frame")
		_ = conn.Close()
		return
	}

	sess := newSession(first.SenderID, conn, t.timeout)
	t.register(sess)
	defer t.unregister(sess)

	if t.handler != nil {
		t.handler(first.SenderID, first)
	}
	t.pump(ctx, sess)
}

// Dial establishes an outbound session to a peer at addr. The session is
// registered under peerID immediately (the caller already knows it from
// discovery or configured seed peers).
func (t *Transport) Dial(ctx context.Context, peerID, addr string) (*Session, error) {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s (%s): %w", peerID, addr, err)
	}

	sess := newSession(peerID, conn, t.timeout)
	t.register(sess)
	go func() {
		defer t.unregister(sess)
		t.pump(ctx, sess)
	}()
	return sess, nil
}

// pump runs a session's reader/writer loops and dispatches received frames
// to the registered handler until the session ends.
func (t *Transport) pump(ctx context.Context, sess *Session) {
	go func() {
		for f := range sess.Recv() {
			if t.handler != nil {
				t.handler(sess.PeerID, f)
			}
		}
	}()
	_ = sess.run(ctx)
}

func (t *Transport) register(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.sessions[sess.PeerID]; ok {
		old.Close()
	}
	t.sessions[sess.PeerID] = sess
}

func (t *Transport) unregister(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.sessions[sess.PeerID]; ok && current == sess {
		delete(t.sessions, sess.PeerID)
	}
}

// Send sends a frame to one peer by ID. Returns false if no session is open
// to that peer.
func (t *Transport) Send(peerID string, f Frame) bool {
	t.mu.RLock()
	sess, ok := t.sessions[peerID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.Send(f)
}

// Broadcast sends a frame to every connected peer.
func (t *Transport) Broadcast(f Frame) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sess := range t.sessions {
		sess.Send(f)
	}
}

// Connected reports whether a session is currently open to peerID.
func (t *Transport) Connected(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[peerID]
	return ok
}

// Close closes the listener and every open session.
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, sess := range t.sessions {
		sess.Close()
	}
	t.mu.Unlock()
	return t.listener.Close()
}
