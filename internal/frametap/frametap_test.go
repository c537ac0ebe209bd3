package frametap

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialViewer(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReachesUnscopedViewer(t *testing.T) {
	mgr := NewManager(nil)
	ts := httptest.NewServer(NewHandler(mgr, nil))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialViewer(t, wsURL)

	for i := 0; i < 50 && mgr.ViewerCount() == 0; i++ {
		time.Sleep(2 * time.Millisecond)
	}
	if mgr.ViewerCount() != 1 {
		t.Fatalf("got %d viewers, want 1", mgr.ViewerCount())
	}

	mgr.Publish(NewFrameEvent("conn-1", DirectionInbound, "request", 7, []byte("hello")))

	var ev FrameEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.ConnectionID != "conn-1" || ev.Opcode != "request" || ev.SequenceID != 7 {
		t.Errorf("got %+v", ev)
	}
}

func TestPublishSkipsViewerScopedToOtherConnection(t *testing.T) {
	mgr := NewManager(nil)
	ts := httptest.NewServer(NewHandler(mgr, nil))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "?connection_id=only-this-one"

	conn := dialViewer(t, wsURL)
	for i := 0; i < 50 && mgr.ViewerCount() == 0; i++ {
		time.Sleep(2 * time.Millisecond)
	}

	mgr.Publish(NewFrameEvent("some-other-connection", DirectionOutbound, "response", 1, nil))

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var ev FrameEvent
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("expected read timeout, got event %+v", ev)
	}
}

func TestFrameEventTruncatesLargePayloads(t *testing.T) {
	payload := make([]byte, 4096)
	ev := NewFrameEvent("c", DirectionInbound, "push", 0, payload)
	if ev.PayloadSize != 4096 {
		t.Errorf("got payload size %d, want 4096", ev.PayloadSize)
	}
	if len(ev.PayloadHex) != maxPayloadPreviewBytes*2 {
		t.Errorf("got hex preview length %d, want %d", len(ev.PayloadHex), maxPayloadPreviewBytes*2)
	}
}
