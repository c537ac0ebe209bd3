package rpcclient

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Helselia/Stryker/internal/connerr"
	"github.com/Helselia/Stryker/internal/connection"
	"github.com/Helselia/Stryker/internal/frameio"
	"github.com/Helselia/Stryker/internal/rpchandler"
	"github.com/Helselia/Stryker/internal/upgrade"
	"github.com/Helselia/Stryker/internal/wire"
)

// testServerHandler is a minimal server-side rpchandler.Handler used
// only to give the client something real to talk to: it echoes every
// Request payload back as the Response.
type testServerHandler struct{}

func (testServerHandler) SendGoAway() bool       { return true }
func (testServerHandler) MaxPayloadSize() uint32 { return 1 << 20 }

func (testServerHandler) Upgrade(ctx context.Context, conn net.Conn) (*bufio.Reader, error) {
	br := bufio.NewReaderSize(conn, 64*1024)
	if _, err := upgrade.ReadRequest(br); err != nil {
		return nil, err
	}
	if err := upgrade.WriteResponse(conn); err != nil {
		return nil, err
	}
	return br, nil
}

func (testServerHandler) Handshake(ctx context.Context, br *bufio.Reader, w rpchandler.FrameSender) (rpchandler.Ready, error) {
	f, err := frameio.ReadOne(br, 1<<20)
	if err != nil {
		return rpchandler.Ready{}, err
	}
	ack, err := wire.HelloAck(2000, f.Encodings[0], "")
	if err != nil {
		return rpchandler.Ready{}, err
	}
	if err := w.Send(ack); err != nil {
		return rpchandler.Ready{}, err
	}
	return rpchandler.Ready{PingInterval: 2000, Encoding: f.Encodings[0]}, nil
}

func (testServerHandler) HandleFrame(ctx context.Context, f rpchandler.DelegatedFrame) (func() (*wire.Frame, error), error) {
	if f.Kind == rpchandler.DelegatedRequest {
		seq := f.SequenceID
		payload := append([]byte(nil), f.Payload...)
		return func() (*wire.Frame, error) {
			return wire.Response(seq, payload), nil
		}, nil
	}
	return nil, nil
}

func (testServerHandler) HandleInternalEvent(ctx context.Context, event interface{}, alloc func() uint32) (*wire.Frame, error) {
	return nil, nil
}

func (testServerHandler) OnPingReceived() {}

// silentServerHandler completes the handshake but never answers a
// Request, used to exercise client-side request timeouts.
type silentServerHandler struct {
	testServerHandler
}

func (silentServerHandler) HandleFrame(ctx context.Context, f rpchandler.DelegatedFrame) (func() (*wire.Frame, error), error) {
	return nil, nil
}

func startTestServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			driver := connection.New(conn, testServerHandler{}, 2*time.Second)
			go driver.Run(context.Background())
		}
	}()
	return ln
}

func TestClientRequestResponseRoundtrip(t *testing.T) {
	ln := startTestServer(t)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := StartConnect(ctx, ln.Addr().String(), Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	encoding, err := c.Encoding()
	if err != nil || encoding != "identity" {
		t.Fatalf("Encoding() = %q, %v", encoding, err)
	}

	resp, err := c.Request(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(resp) != "ping" {
		t.Fatalf("got response %q, want %q", resp, "ping")
	}
}

func TestClientPushDoesNotBlock(t *testing.T) {
	ln := startTestServer(t)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := StartConnect(ctx, ln.Addr().String(), Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if err := c.Push(ctx, []byte("fire and forget")); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestClientRequestTimesOutWithoutLeakingWaiter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		driver := connection.New(conn, silentServerHandler{}, 2*time.Second)
		go driver.Run(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := StartConnect(ctx, ln.Addr().String(), Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer reqCancel()
	_, err = c.Request(reqCtx, []byte("will never get a reply in this test"))
	if err != reqCtx.Err() {
		t.Fatalf("got %v, want context deadline exceeded", err)
	}

	if n := len(c.handler.waiters.waiters); n != 0 {
		t.Errorf("expected waiter table to be empty after timeout, got %d entries", n)
	}
}

func TestClientRequestTimeoutResolvesWithConnerrKind(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		driver := connection.New(conn, silentServerHandler{}, 2*time.Second)
		go driver.Run(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := StartConnect(ctx, ln.Addr().String(), Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 2 * time.Second,
		RequestTimeout:   20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}

	_, err = c.Request(context.Background(), []byte("will never get a reply in this test"))
	kind, ok := connerr.KindOf(err)
	if !ok || kind != connerr.KindRequestTimeout {
		t.Fatalf("got %v, want connerr.RequestTimeout", err)
	}

	if n := len(c.handler.waiters.waiters); n != 0 {
		t.Errorf("expected waiter table to be empty after timeout, got %d entries", n)
	}

	if !c.IsReady() || c.IsClosed() {
		t.Fatalf("expected connection to remain Ready after a request timeout")
	}
}

func TestClientRequestRejectedBeforeReady(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Accept the TCP connection but never complete the
			// handshake, so the client never becomes Ready.
			_ = conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := StartConnect(ctx, ln.Addr().String(), Config{
		Encodings:        []string{"identity"},
		MaxPayloadSize:   1 << 20,
		HandshakeTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Request(ctx, []byte("too soon"))
	kind, ok := connerr.KindOf(err)
	if !ok || kind != connerr.KindNotReady {
		t.Fatalf("got %v, want connerr.NotReady", err)
	}

	if err := c.Push(ctx, []byte("too soon")); err == nil {
		t.Fatal("expected Push to reject before the connection is Ready")
	} else if kind, ok := connerr.KindOf(err); !ok || kind != connerr.KindNotReady {
		t.Fatalf("got %v, want connerr.NotReady", err)
	}
}
