package rpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/Helselia/Stryker/internal/rpcclient"
)

func TestNegotiateEncoding(t *testing.T) {
	cases := []struct {
		offered, supported []string
		want               string
		ok                 bool
	}{
		{[]string{"msgpack", "identity"}, []string{"identity"}, "identity", true},
		{[]string{"msgpack", "identity"}, []string{"msgpack", "identity"}, "msgpack", true},
		{[]string{"gob"}, []string{"msgpack", "identity"}, "", false},
	}
	for _, c := range cases {
		got, ok := negotiateEncoding(c.offered, c.supported)
		if got != c.want || ok != c.ok {
			t.Errorf("negotiateEncoding(%v, %v) = (%q, %v), want (%q, %v)", c.offered, c.supported, got, ok, c.want, c.ok)
		}
	}
}

func TestServerRejectsConfigWithoutRequestHandler(t *testing.T) {
	if _, err := New(Config{SupportedEncodings: []string{"identity"}}); err == nil {
		t.Fatal("expected error for missing RequestHandler")
	}
}

func TestServerEndToEndRequestResponse(t *testing.T) {
	srv, err := New(Config{
		SupportedEncodings: []string{"identity"},
		HandshakeTimeout:   2 * time.Second,
		RequestHandler: RequestHandlerFunc(func(ctx context.Context, payload []byte, encoding string) ([]byte, error) {
			if encoding != "identity" {
				t.Errorf("got encoding %q, want %q", encoding, "identity")
			}
			out := make([]byte, len(payload))
			for i, b := range payload {
				out[len(payload)-1-i] = b
			}
			return out, nil
		}),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	var addr string
	for i := 0; i < 100; i++ {
		srv.mu.Lock()
		if srv.listener != nil {
			addr = srv.listener.Addr().String()
		}
		srv.mu.Unlock()
		if addr != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never started listening")
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	c, err := rpcclient.StartConnect(dialCtx, addr, rpcclient.Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AwaitReady(dialCtx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}

	resp, err := c.Request(dialCtx, []byte("abcd"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "dcba" {
		t.Fatalf("got %q, want %q", resp, "dcba")
	}

	cancel()
	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after context cancel")
	}
}
