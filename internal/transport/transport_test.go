package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendReceiveRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		data, err := conn.Receive(r.Context())
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if err := conn.Send(r.Context(), data); err != nil {
			t.Errorf("server send: %v", err)
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseNow()

	payload := []byte("hello relay")
	if err := client.Send(ctx, payload); err != nil {
		t.Fatalf("client send: %v", err)
	}
	echoed, err := client.Receive(ctx)
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("echoed = %q, want %q", echoed, payload)
	}
}

func TestReceiveAfterCloseReturnsCloseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		_ = conn.Close(1008, "policy violation")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseNow()

	_, err = client.Receive(ctx)
	ce, ok := err.(*CloseError)
	if !ok {
		t.Fatalf("got %v (%T), want *CloseError", err, err)
	}
	if ce.Code != 1008 || ce.Reason != "policy violation" {
		t.Fatalf("close error = %+v, want code=1008 reason=%q", ce, "policy violation")
	}
}

func TestAcceptRejectsNonUpgradeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := Accept(w, r); err == nil {
			t.Error("expected accept to fail for a plain HTTP request")
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
}
