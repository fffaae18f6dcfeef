// Package relay implements the server side of the protocol: the
// per-channel Accept → Handshake → Active → Closed state machine,
// admission control, handshake/message rate limiting, sequence
// enforcement, and StoredMessage delivery to a reconnecting client.
//
// There is no multi-party routing: a received Active-state message is
// validated and acknowledged, never automatically queued for some
// inferred recipient: the handshake carries only the connecting
// client's own identity, never an intended recipient.
// QueueForRecipient exposes storing for a named recipient as a
// capability for a future routing layer or an operator tool, not an
// implicit side effect of Active message handling. Stored-message
// delivery on reconnect still runs unconditionally, since a prior
// QueueForRecipient call may have queued something for this client_id
// independent of how it got there.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/relaywire/securemsg/internal/config"
	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/frame"
	"github.com/relaywire/securemsg/internal/handshake"
	"github.com/relaywire/securemsg/internal/identity"
	"github.com/relaywire/securemsg/internal/noncetracker"
	"github.com/relaywire/securemsg/internal/ratchet"
	"github.com/relaywire/securemsg/internal/ratelimit"
	"github.com/relaywire/securemsg/internal/store"
	"github.com/relaywire/securemsg/internal/transport"
)

const cleanupInterval = 60 * time.Second

var errConnClosed = errors.New("relay: connection already closed")

// Server owns every process-wide collaborator a ServerSession needs:
// the long-lived identity, the nonce tracker, the two rate limiters,
// and the StoredMessage store. These are shared across sessions and
// mutation-guarded; ratchet state is never shared.
type Server struct {
	cfg      config.Config
	identity identity.KeyPair
	logger   *slog.Logger

	nonces           *noncetracker.Tracker
	handshakeLimiter *ratelimit.Limiter
	messageLimiter   *ratelimit.Limiter
	messages         *store.Store

	mu       sync.Mutex
	sessions map[*ServerSession]struct{}

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New constructs a Server, opening its SQLite-backed message store and
// starting the nonce tracker's sweep and the relay's cleanup task.
// Callers MUST call Stop to release both.
func New(cfg config.Config, ident identity.KeyPair, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("relay: open message store: %w", err)
	}

	s := &Server{
		cfg:              cfg,
		identity:         ident,
		logger:           logger,
		nonces:           noncetracker.New(cfg.NonceTTL, cfg.NonceCapacity, noncetracker.DefaultSweep),
		handshakeLimiter: ratelimit.New(time.Minute, cfg.HandshakeRatePerMin),
		messageLimiter:   ratelimit.New(cfg.MessageRateWindow, cfg.MessageRateMax),
		messages:         db,
		sessions:         make(map[*ServerSession]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.cleanupDone = make(chan struct{})
	go s.cleanupLoop(ctx)

	return s, nil
}

// Stop halts the cleanup task and nonce sweep and closes the message
// store. The listener and active channels are the caller's
// responsibility, e.g. http.Server.Shutdown.
func (s *Server) Stop() error {
	s.cleanupCancel()
	<-s.cleanupDone
	s.nonces.Close()
	return s.messages.Close()
}

// SessionCount reports the number of currently admitted channels, for
// the admission-control check and for metrics.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// QueueForRecipient stores ciphertext for delivery the next time
// recipientID reconnects. It enforces the per-recipient cap (default
// 10,000) with oldest-first drop.
func (s *Server) QueueForRecipient(recipientID string, ciphertext []byte, sequence uint32) error {
	now := time.Now()
	count, err := s.messages.CountForRecipient(recipientID)
	if err != nil {
		return err
	}
	if count >= s.cfg.MaxStoredMessages {
		if err := s.messages.DropOldestForRecipient(recipientID, count-s.cfg.MaxStoredMessages+1); err != nil {
			return err
		}
	}
	return s.messages.Enqueue(recipientID, ciphertext, sequence, now.UnixMilli(), now.Add(s.cfg.MessageExpiry).UnixMilli())
}

// Accept upgrades r to a duplex channel and runs its entire
// Accept→Handshake→Active→Closed lifecycle to completion. It returns
// once the channel has closed.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) {
	if s.SessionCount() >= s.cfg.MaxSessions {
		conn, err := transport.Accept(w, r)
		if err != nil {
			return
		}
		conn.Close(1008, "capacity")
		return
	}

	conn, err := transport.Accept(w, r)
	if err != nil {
		s.logger.Warn("relay: accept failed", slog.String("error", err.Error()))
		return
	}

	sess := &ServerSession{
		server:     s,
		conn:       conn,
		remoteAddr: remoteHost(r.RemoteAddr),
		createdAt:  time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	sess.run(r.Context())
}

func (s *Server) cleanupLoop(ctx context.Context) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runCleanup(now)
		}
	}
}

// runCleanup prunes expired StoredMessages, drops idle rate-limit
// records, and if the store has grown past 10x its per-recipient cap
// in recipient count, drops the oldest half of recipient buckets.
func (s *Server) runCleanup(now time.Time) {
	if n, err := s.messages.PruneExpired(now.UnixMilli()); err != nil {
		s.logger.Error("relay: cleanup prune expired", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("relay: cleanup pruned expired messages", slog.Int64("count", n))
	}

	s.handshakeLimiter.Prune(now, 2*time.Minute)
	s.messageLimiter.Prune(now, 2*s.cfg.MessageRateWindow)

	count, err := s.messages.RecipientCount()
	if err != nil {
		s.logger.Error("relay: cleanup recipient count", slog.String("error", err.Error()))
		return
	}
	if count > 10*s.cfg.MaxStoredMessages {
		if err := s.messages.DropOldestRecipientBuckets(count / 2); err != nil {
			s.logger.Error("relay: cleanup drop oldest buckets", slog.String("error", err.Error()))
		}
	}
}

// ServerSession is one relay-side channel. The fields below the first
// group are meaningful only once handshakeDone.
type ServerSession struct {
	server     *Server
	conn       *transport.Conn
	remoteAddr string
	createdAt  time.Time

	handshakeDone    bool
	clientID         string
	expectedSequence uint32
	ratchet          *ratchet.State
}

func (sess *ServerSession) run(ctx context.Context) {
	defer sess.conn.CloseNow()
	defer func() {
		// The ratchet only exists once the handshake completed.
		if sess.ratchet != nil {
			sess.ratchet.Destroy()
		}
	}()

	for {
		data, err := sess.conn.Receive(ctx)
		if err != nil {
			return
		}

		var stepErr error
		if !sess.handshakeDone {
			stepErr = sess.handleHandshakeFrame(ctx, data)
		} else {
			stepErr = sess.handleActiveFrame(ctx, data)
		}
		if stepErr == nil {
			continue
		}
		if errors.Is(stepErr, errConnClosed) {
			return
		}

		kind := errs.KindInternal
		if e, ok := stepErr.(*errs.Error); ok {
			kind = e.Kind
		}
		sess.server.logger.Warn("relay: closing session",
			slog.String("kind", kind.String()),
			slog.String("client_id", sess.clientID),
			slog.String("detail", stepErr.Error()))
		sess.conn.Close(kind.CloseCode(), kind.Reason())
		return
	}
}

// handleHandshakeFrame processes the only frame the Handshake state
// permits: a 152-byte InitiatorInit. The rate limit is checked before
// anything is parsed, keyed by remote host since the client's identity
// is not yet known.
func (sess *ServerSession) handleHandshakeFrame(ctx context.Context, data []byte) error {
	now := time.Now()
	if !sess.server.handshakeLimiter.Allow(sess.remoteAddr, now) {
		return errs.New(errs.KindRateLimitExceeded, "handshake rate limit exceeded")
	}

	if len(data) != handshake.InitiatorInitSize {
		return errs.New(errs.KindSizeViolation, "handshake frame wrong length")
	}

	init, err := handshake.DecodeInitiatorInit(data)
	if err != nil {
		return err
	}
	if err := handshake.VerifyInitiatorInit(init, sess.server.nonces, now); err != nil {
		return err
	}

	result, err := handshake.BuildResponderReply(init.ClientEphemeralPub, now)
	if err != nil {
		return err
	}
	if err := sess.conn.Send(ctx, result.Reply.Encode()); err != nil {
		return errConnClosed
	}

	eph := &ratchet.EphemeralKeyPair{Priv: result.ServerEphemeral, Pub: result.ServerEphemeralPub}
	sess.ratchet = ratchet.Initialize(result.RootKey[:], eph, &init.ClientEphemeralPub)
	sess.handshakeDone = true
	sess.clientID = identity.HexID(init.ClientIdentityPub)
	sess.expectedSequence = 0

	return sess.deliverStoredMessages(ctx)
}

// deliverStoredMessages sends every unexpired message queued for the
// session's client_id in stored order, then drops the queue.
func (sess *ServerSession) deliverStoredMessages(ctx context.Context) error {
	msgs, err := sess.server.messages.Drain(sess.clientID, time.Now().UnixMilli())
	if err != nil {
		sess.server.logger.Error("relay: drain stored messages", slog.String("error", err.Error()))
		return nil
	}
	for _, m := range msgs {
		if err := sess.conn.Send(ctx, m.Ciphertext); err != nil {
			return errConnClosed
		}
	}
	return nil
}

// handleActiveFrame processes one frame in Active state: length
// bounds, the per-identity message rate limit, and strict contiguous
// sequence enforcement, followed by an ack. The relay never decrypts.
func (sess *ServerSession) handleActiveFrame(ctx context.Context, data []byte) error {
	if len(data) < 16 {
		return errs.New(errs.KindSizeViolation, "frame below minimum length")
	}
	if len(data) > sess.server.cfg.MaxMessageSize {
		sess.conn.Close(1009, "message too large")
		return errConnClosed
	}

	now := time.Now()
	if !sess.server.messageLimiter.Allow(sess.clientID, now) {
		return errs.New(errs.KindRateLimitExceeded, "message rate limit exceeded")
	}

	msg, err := frame.DecodeEncryptedMessage(data)
	if err != nil {
		return err
	}
	if msg.Sequence != sess.expectedSequence {
		return errs.New(errs.KindSequenceError, "sequence mismatch")
	}
	sess.expectedSequence++

	ack := &frame.AckFrame{MessageID: msg.MessageID, ReceivedAtMs: uint64(now.UnixMilli()), Success: true}
	if err := sess.conn.Send(ctx, ack.Encode()); err != nil {
		return errConnClosed
	}
	return nil
}

// remoteHost strips the per-connection port so rate limiting keys on
// the transport address, not on each connection's ephemeral port.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
