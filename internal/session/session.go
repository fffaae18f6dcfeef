// Package session implements the long-lived client session: it drives
// the handshake, owns per-peer ratchet state, queues outbound messages
// with ack-timeout-and-backoff retry, and reconnects on non-fatal
// close.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/frame"
	"github.com/relaywire/securemsg/internal/handshake"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/ratchet"
	"github.com/relaywire/securemsg/internal/transport"
)

const (
	handshakeDeadline = 10 * time.Second
	ackTimeout        = 5 * time.Second
	maxRetries        = 10
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	ackGrace          = 30 * time.Second

	// ServerPeerID names the ratchet the session keeps for traffic with
	// the relay itself.
	ServerPeerID = "server"
)

// ErrAckTimeout is returned by Wait when no acknowledgment arrives
// within the caller's timeout.
var ErrAckTimeout = errors.New("session: ack wait timed out")

// fatalCloseCodes are close codes that must not trigger a reconnect.
var fatalCloseCodes = map[uint16]bool{
	1000: true,
	1002: true,
	1003: true,
	1007: true,
	1008: true,
	1009: true,
	1011: true,
}

// Observer is the capability set a Session calls back into.
type Observer interface {
	OnMessage(peerID string, plaintext []byte)
	OnError(kind errs.Kind)
	OnConnected()
	OnDisconnected()
}

// NopObserver implements Observer with no-ops, for callers that only
// care about a subset of events.
type NopObserver struct{}

func (NopObserver) OnMessage(string, []byte) {}
func (NopObserver) OnError(errs.Kind)        {}
func (NopObserver) OnConnected()             {}
func (NopObserver) OnDisconnected()          {}

type pendingMessage struct {
	messageID  [16]byte
	peerID     string
	wire       []byte
	retryCount int
	nextRetry  time.Time
	ackCh      chan bool

	// acked/ackedAt let retryDue stop retransmitting once the ack lands
	// without deleting the entry out from under a Wait call that hasn't
	// run yet; ackGrace bounds how long an un-Waited result lingers.
	acked   bool
	ackedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithExpectedResponderIdentity records the relay's identity public
// key as known out-of-band. The handshake itself never authenticates
// the responder's identity, so this is pure bookkeeping for a caller's
// own pinning store, surfaced back through RemoteIdentity.
func WithExpectedResponderIdentity(pub keys.PublicKey32) Option {
	return func(s *Session) { s.expectedResponder = &pub }
}

// Session is a long-lived client connection to one relay.
type Session struct {
	identity keys.IdentityPrivate
	url      string
	observer Observer
	logger   *slog.Logger

	mu                sync.Mutex
	conn              *transport.Conn
	ratchets          map[string]*ratchet.State
	expectedResponder *keys.PublicKey32

	pendingMu sync.Mutex
	pending   map[string]*pendingMessage // keyed by hex(messageID)

	backoffAttempt int
	closed         bool
	cancel         context.CancelFunc
}

// New constructs a Session for identity, dialing relayURL on Connect.
func New(identity keys.IdentityPrivate, relayURL string, opts ...Option) *Session {
	s := &Session{
		identity: identity,
		url:      relayURL,
		observer: NopObserver{},
		logger:   slog.Default(),
		ratchets: make(map[string]*ratchet.State),
		pending:  make(map[string]*pendingMessage),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect dials the relay, runs the initiator handshake, and starts
// the background receive loop.
func (s *Session) Connect(ctx context.Context) error {
	hsCtx, cancelHS := context.WithTimeout(ctx, handshakeDeadline)
	defer cancelHS()

	conn, err := transport.Dial(hsCtx, s.url)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}

	eph, err := ratchet.NewEphemeralKeyPair()
	if err != nil {
		conn.CloseNow()
		return fmt.Errorf("session: generate ephemeral: %w", err)
	}

	init := handshake.BuildInitiatorInit(s.identity, eph.Pub, time.Now())
	if err := conn.Send(hsCtx, init.Encode()); err != nil {
		conn.CloseNow()
		return fmt.Errorf("session: send handshake: %w", err)
	}

	replyWire, err := conn.Receive(hsCtx)
	if err != nil {
		conn.CloseNow()
		if errors.Is(hsCtx.Err(), context.DeadlineExceeded) {
			return errs.New(errs.KindHandshakeTimeout, "handshake deadline exceeded")
		}
		return fmt.Errorf("session: receive handshake reply: %w", err)
	}
	reply, err := handshake.DecodeResponderReply(replyWire)
	if err != nil {
		conn.CloseNow()
		return err
	}
	result, err := handshake.ProcessResponderReply(eph.Priv, reply, time.Now())
	if err != nil {
		conn.CloseNow()
		return err
	}

	st := ratchet.Initialize(result.RootKey[:], eph, &reply.ServerEphemeralPub)

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	// A reconnect reaches here from inside the previous receive loop;
	// cancelling the old context stops that loop's companion retryLoop
	// so each connection runs exactly one pair of loops.
	if s.cancel != nil {
		s.cancel()
	}
	s.conn = conn
	s.ratchets[ServerPeerID] = st
	s.backoffAttempt = 0
	s.closed = false
	s.cancel = cancel
	s.mu.Unlock()

	// Frames sealed under a previous connection's ratchet are stale
	// after a re-handshake (new root key, sequence reset to 0); fail
	// their waiters rather than retransmit undeliverable ciphertext.
	s.pendingMu.Lock()
	for key, pm := range s.pending {
		select {
		case pm.ackCh <- false:
		default:
		}
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	go s.receiveLoop(loopCtx)
	go s.retryLoop(loopCtx)

	s.observer.OnConnected()
	return nil
}

// Close tears down the session; no further reconnects will occur.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	cancel := s.cancel
	for _, st := range s.ratchets {
		st.Destroy()
	}
	s.ratchets = make(map[string]*ratchet.State)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(1000, "")
	}
	return nil
}

// Send encrypts plaintext under peerID's ratchet and transmits it.
// peerID must already have a ratchet installed; in this module's
// client/relay topology that is always ServerPeerID, installed by
// Connect. It returns the message ID so the caller can later Wait on
// its acknowledgment.
func (s *Session) Send(ctx context.Context, peerID string, plaintext []byte) ([16]byte, error) {
	s.mu.Lock()
	st, ok := s.ratchets[peerID]
	conn := s.conn
	s.mu.Unlock()
	if !ok {
		return [16]byte{}, errs.New(errs.KindInternal, "session: no ratchet state for peer "+peerID)
	}

	mk, err := st.Send()
	if err != nil {
		return [16]byte{}, err
	}
	defer mk.Zeroize()

	var dhPub keys.PublicKey32
	if st.SendingEphemeralKey != nil {
		dhPub = st.SendingEphemeralKey.Pub
	}

	messageID := handshake.NewMessageID()
	msg, err := frame.Seal(mk, messageID, mk.Index, dhPub, st.PreviousChainLength, plaintext, uint64(time.Now().UnixMilli()), 1)
	if err != nil {
		return [16]byte{}, err
	}
	wire := msg.Encode()

	pm := &pendingMessage{
		messageID: messageID,
		peerID:    peerID,
		wire:      wire,
		nextRetry: time.Now().Add(ackTimeout),
		ackCh:     make(chan bool, 1),
	}
	s.pendingMu.Lock()
	s.pending[hex.EncodeToString(messageID[:])] = pm
	s.pendingMu.Unlock()

	if conn == nil {
		return messageID, nil // not transmitted; the next Connect fails its waiter (ack=false) and drops it as stale
	}
	return messageID, conn.Send(ctx, wire)
}

// Wait blocks until messageID's ack arrives or timeout elapses,
// returning the ack's success flag.
func (s *Session) Wait(messageID [16]byte, timeout time.Duration) (bool, error) {
	key := hex.EncodeToString(messageID[:])
	s.pendingMu.Lock()
	pm, ok := s.pending[key]
	s.pendingMu.Unlock()
	if !ok {
		return false, errs.New(errs.KindInternal, "session: unknown message id")
	}
	select {
	case ok := <-pm.ackCh:
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return ok, nil
	case <-time.After(timeout):
		return false, ErrAckTimeout
	}
}

// RemoteIdentity exposes the responder's identity public key as
// configured via WithExpectedResponderIdentity, for UI-level
// first-use-pinning verification. The handshake does not authenticate
// the responder's identity in-band, so this is whatever the caller's
// own pinning store told the session to expect, not a value derived
// from the handshake transcript; it returns the zero value if the
// caller never configured one.
func (s *Session) RemoteIdentity() keys.PublicKey32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expectedResponder != nil {
		return *s.expectedResponder
	}
	return keys.PublicKey32{}
}

func (s *Session) receiveLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.handleDisconnect(err)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	if frame.IsAckFrame(data) {
		ack, err := frame.DecodeAckFrame(data)
		if err != nil {
			s.observer.OnError(errs.KindSizeViolation)
			return
		}
		s.pendingMu.Lock()
		key := hex.EncodeToString(ack.MessageID[:])
		pm, ok := s.pending[key]
		if ok {
			pm.acked = true
			pm.ackedAt = time.Now()
		}
		s.pendingMu.Unlock()
		if ok {
			select {
			case pm.ackCh <- ack.Success:
			default:
			}
		}
		return
	}

	msg, err := frame.DecodeEncryptedMessage(data)
	if err != nil {
		s.observer.OnError(errs.KindSizeViolation)
		return
	}

	s.mu.Lock()
	st, ok := s.ratchets[ServerPeerID]
	s.mu.Unlock()
	if !ok {
		s.observer.OnError(errs.KindInternal)
		return
	}

	// The header's dh_pub and message_number are still encrypted at
	// this point, so the key must be derived before Open can read them.
	// The responder's ephemeral is fixed for the life of a session (no
	// mid-session rekey), and the plaintext outer sequence mirrors the
	// chain index, so Recv can be driven from the outer frame alone;
	// Open then verifies the decrypted header matches both.
	mk, err := st.Recv(currentRemoteDH(st), msg.Sequence, st.PreviousChainLength)
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			s.observer.OnError(e.Kind)
		}
		return
	}
	defer mk.Zeroize()

	plaintext, _, err := frame.Open(mk, msg)
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			s.observer.OnError(e.Kind)
		}
		return
	}
	s.observer.OnMessage(ServerPeerID, plaintext)
}

func currentRemoteDH(st *ratchet.State) keys.PublicKey32 {
	if st.ReceivingEphemeralPublic != nil {
		return *st.ReceivingEphemeralPublic
	}
	return keys.PublicKey32{}
}

func (s *Session) handleDisconnect(err error) {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.observer.OnDisconnected()

	var ce *transport.CloseError
	if errors.As(err, &ce) && fatalCloseCodes[ce.Code] {
		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// reconnect sleeps out the exponential backoff ladder and re-dials. It
// returns false if the session has been closed or a new connection is
// up (with its own loops).
func (s *Session) reconnect(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	attempt := s.backoffAttempt
	s.backoffAttempt++
	s.mu.Unlock()

	delay := backoffDelay(attempt)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	if err := s.Connect(ctx); err != nil {
		s.logger.Warn("session: reconnect failed", slog.String("error", err.Error()))
		return true // caller loops and retries again
	}
	return false // Connect spun up a fresh receiveLoop/retryLoop; this one exits
}

func backoffDelay(attempt int) time.Duration {
	d := float64(baseBackoff) * math.Pow(2, float64(attempt))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

func (s *Session) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.retryDue(ctx, now)
		}
	}
}

func (s *Session) retryDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	var due []*pendingMessage
	s.pendingMu.Lock()
	for key, pm := range s.pending {
		if pm.acked {
			if now.Sub(pm.ackedAt) > ackGrace {
				delete(s.pending, key)
			}
			continue
		}
		if now.Before(pm.nextRetry) {
			continue
		}
		if pm.retryCount >= maxRetries {
			delete(s.pending, key)
			continue
		}
		pm.retryCount++
		backoff := float64(baseBackoff) * math.Pow(2, float64(pm.retryCount))
		if backoff > float64(maxBackoff) {
			backoff = float64(maxBackoff)
		}
		pm.nextRetry = now.Add(time.Duration(backoff))
		due = append(due, pm)
	}
	s.pendingMu.Unlock()

	for _, pm := range due {
		_ = conn.Send(ctx, pm.wire)
	}
}
