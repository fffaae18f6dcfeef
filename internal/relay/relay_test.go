package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaywire/securemsg/internal/config"
	"github.com/relaywire/securemsg/internal/frame"
	"github.com/relaywire/securemsg/internal/handshake"
	"github.com/relaywire/securemsg/internal/identity"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/primitives"
	"github.com/relaywire/securemsg/internal/ratchet"
	"github.com/relaywire/securemsg/internal/transport"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.MaxSessions = 2
	cfg.MessageRateMax = 1000
	cfg.HandshakeRatePerMin = 1000

	ident := identity.Generate()
	srv, err := New(cfg, ident, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.Accept))
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func genIdentity(t *testing.T) keys.IdentityPrivate {
	t.Helper()
	seed := primitives.Ed25519GenerateSeed()
	pub := primitives.Ed25519PublicFromSeed(seed)
	var priv keys.IdentityPrivate
	copy(priv[:32], seed)
	copy(priv[32:], pub)
	return priv
}

// wireClient drives the initiator half of the protocol directly over
// internal/transport, standing in for internal/session in tests that
// only exercise the relay side.
type wireClient struct {
	conn *transport.Conn
	st   *ratchet.State
	seq  uint32
}

func dialAndHandshake(t *testing.T, ctx context.Context, url string, clientIdentity keys.IdentityPrivate) *wireClient {
	t.Helper()
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	eph, err := ratchet.NewEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate ephemeral: %v", err)
	}
	init := handshake.BuildInitiatorInit(clientIdentity, eph.Pub, time.Now())
	if err := conn.Send(ctx, init.Encode()); err != nil {
		t.Fatalf("send init: %v", err)
	}

	replyWire, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive reply: %v", err)
	}
	reply, err := handshake.DecodeResponderReply(replyWire)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	result, err := handshake.ProcessResponderReply(eph.Priv, reply, time.Now())
	if err != nil {
		t.Fatalf("process reply: %v", err)
	}

	st := ratchet.Initialize(result.RootKey[:], eph, &reply.ServerEphemeralPub)
	return &wireClient{conn: conn, st: st}
}

func (c *wireClient) sendMessage(t *testing.T, ctx context.Context, plaintext []byte) [16]byte {
	t.Helper()
	mk, err := c.st.Send()
	if err != nil {
		t.Fatalf("ratchet send: %v", err)
	}
	defer mk.Zeroize()

	messageID := handshake.NewMessageID()
	msg, err := frame.Seal(mk, messageID, c.seq, c.st.SendingEphemeralKey.Pub, c.st.PreviousChainLength, plaintext, uint64(time.Now().UnixMilli()), 1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := c.conn.Send(ctx, msg.Encode()); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	c.seq++
	return messageID
}

func TestAcceptPerformsHandshakeAndAcksMessage(t *testing.T) {
	_, httpSrv := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialAndHandshake(t, ctx, wsURL(httpSrv), genIdentity(t))
	defer client.conn.CloseNow()

	messageID := client.sendMessage(t, ctx, []byte("hello"))

	ackWire, err := client.conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if !frame.IsAckFrame(ackWire) {
		t.Fatalf("expected an ack frame, got %d bytes", len(ackWire))
	}
	ack, err := frame.DecodeAckFrame(ackWire)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MessageID != messageID || !ack.Success {
		t.Fatalf("ack = %+v, want message_id=%x success=true", ack, messageID)
	}
}

func TestSequenceMismatchClosesChannel(t *testing.T) {
	_, httpSrv := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialAndHandshake(t, ctx, wsURL(httpSrv), genIdentity(t))
	defer client.conn.CloseNow()

	client.seq = 5 // wrong: relay expects 0 first
	client.sendMessage(t, ctx, []byte("out of order"))

	_, err := client.conn.Receive(ctx)
	ce, ok := err.(*transport.CloseError)
	if !ok {
		t.Fatalf("got %v (%T), want *transport.CloseError", err, err)
	}
	if ce.Code != 1007 {
		t.Fatalf("close code = %d, want 1007", ce.Code)
	}
}

func TestAdmissionControlRejectsOverCapacity(t *testing.T) {
	srv, httpSrv := testServer(t)
	srv.cfg.MaxSessions = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialAndHandshake(t, ctx, wsURL(httpSrv), genIdentity(t))
	defer first.conn.CloseNow()

	second, err := transport.Dial(ctx, wsURL(httpSrv))
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.CloseNow()

	_, err = second.Receive(ctx)
	ce, ok := err.(*transport.CloseError)
	if !ok {
		t.Fatalf("got %v (%T), want *transport.CloseError", err, err)
	}
	if ce.Code != 1008 {
		t.Fatalf("close code = %d, want 1008 (capacity)", ce.Code)
	}
}

func TestHandshakeFloodRejected(t *testing.T) {
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	cfg.HandshakeRatePerMin = 10

	srv, err := New(cfg, identity.Generate(), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.Accept))
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Ten handshakes from the same transport address are allowed; all
	// connections here share 127.0.0.1 since the limiter keys on host.
	for i := 0; i < 10; i++ {
		client := dialAndHandshake(t, ctx, wsURL(httpSrv), genIdentity(t))
		client.conn.CloseNow()
	}

	conn, err := transport.Dial(ctx, wsURL(httpSrv))
	if err != nil {
		t.Fatalf("dial eleventh: %v", err)
	}
	defer conn.CloseNow()

	eph, err := ratchet.NewEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate ephemeral: %v", err)
	}
	init := handshake.BuildInitiatorInit(genIdentity(t), eph.Pub, time.Now())
	if err := conn.Send(ctx, init.Encode()); err != nil {
		t.Fatalf("send init: %v", err)
	}

	_, err = conn.Receive(ctx)
	ce, ok := err.(*transport.CloseError)
	if !ok {
		t.Fatalf("got %v (%T), want *transport.CloseError", err, err)
	}
	if ce.Code != 1008 {
		t.Fatalf("close code = %d, want 1008", ce.Code)
	}
}

func TestQueueForRecipientDeliversOnReconnect(t *testing.T) {
	srv, httpSrv := testServer(t)

	clientIdentity := genIdentity(t)
	var clientPub keys.PublicKey32
	copy(clientPub[:], clientIdentity[32:])
	clientID := identity.HexID(clientPub)

	queued := []byte("queued-ciphertext")
	if err := srv.QueueForRecipient(clientID, queued, 0); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialAndHandshake(t, ctx, wsURL(httpSrv), clientIdentity)
	defer client.conn.CloseNow()

	delivered, err := client.conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive queued message: %v", err)
	}
	if string(delivered) != string(queued) {
		t.Fatalf("delivered = %q, want %q", delivered, queued)
	}
}
