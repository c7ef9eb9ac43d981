package twilio

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/callwise/copilot/pkg/frames"
	"github.com/gorilla/websocket"
)

func dialTestStream(t *testing.T, tr *Transport) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(tr)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func recvFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func TestMediaStreamLifecycle(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestStream(t, tr)
	defer cleanup()

	start := map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1"},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	f := recvFrame(t, tr)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != frames.SystemCallStart {
		t.Fatalf("expected call_start frame, got %#v", f)
	}
	if sf.Meta()[frames.MetaCallSID] != "CA1" {
		t.Fatalf("expected call sid meta")
	}
	if sf.Meta()[frames.MetaTraceID] == "" {
		t.Fatalf("expected trace id meta")
	}

	audio := []byte{0xFF, 0x7F, 0x00, 0x80}
	media := map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(audio)},
	}
	if err := conn.WriteJSON(media); err != nil {
		t.Fatalf("write media: %v", err)
	}
	f = recvFrame(t, tr)
	af, ok := f.(frames.AudioFrame)
	if !ok {
		t.Fatalf("expected audio frame, got %#v", f)
	}
	if string(af.RawPayload()) != string(audio) {
		t.Fatalf("audio payload not decoded")
	}
	if af.Rate() != 8000 || af.Channels() != 1 {
		t.Fatalf("expected telephony format, got rate=%d ch=%d", af.Rate(), af.Channels())
	}

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	f = recvFrame(t, tr)
	sf, ok = f.(frames.SystemFrame)
	if !ok || sf.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end frame, got %#v", f)
	}
	if sf.Meta()[frames.MetaCallEndReason] != "completed" {
		t.Fatalf("expected completed reason, got %s", sf.Meta()[frames.MetaCallEndReason])
	}
}

func TestMediaStreamUnknownEventIgnored(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestStream(t, tr)
	defer cleanup()

	if err := conn.WriteJSON(map[string]any{"event": "mark"}); err != nil {
		t.Fatalf("write mark: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA2", "streamSid": "MZ2"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	f := recvFrame(t, tr)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != frames.SystemCallStart {
		t.Fatalf("unknown event should be skipped, got %#v", f)
	}
}

func TestMediaStreamDisconnectEmitsCallEnd(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestStream(t, tr)
	defer cleanup()

	if err := conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA3", "streamSid": "MZ3"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	_ = recvFrame(t, tr)

	conn.Close()
	f := recvFrame(t, tr)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end on disconnect, got %#v", f)
	}
	if sf.Meta()[frames.MetaCallEndReason] != "transport_closed" {
		t.Fatalf("expected transport_closed reason")
	}
}

func TestStopWithOpenStreamClosesCleanly(t *testing.T) {
	tr := New(Config{})
	conn, cleanup := dialTestStream(t, tr)
	defer cleanup()

	if err := conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA4", "streamSid": "MZ4"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	_ = recvFrame(t, tr)

	stopDone := make(chan struct{})
	go func() {
		_ = tr.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return with a live stream")
	}

	// The handler must have finished before the channel closed, so the
	// stream's call_end is delivered, then the channel closes.
	f := recvFrame(t, tr)
	sf, ok := f.(frames.SystemFrame)
	if !ok || sf.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end before close, got %#v", f)
	}
	if sf.Meta()[frames.MetaCallEndReason] != "transport_closed" {
		t.Fatalf("expected transport_closed reason, got %s", sf.Meta()[frames.MetaCallEndReason])
	}
	select {
	case _, open := <-tr.Recv():
		if open {
			t.Fatal("expected closed frame channel after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after stop")
	}

	// A late client write must not reach a handler; the connection was
	// closed by Stop. Repeat Stop is a no-op.
	_ = conn.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0x00})},
	})
	if err := tr.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestReadyFields(t *testing.T) {
	tr := New(Config{PublicURL: "https://relay.example"})
	fields := tr.ReadyFields()
	if fields["voice_webhook_url"] != "https://relay.example/voice" {
		t.Fatalf("voice_webhook_url = %v", fields["voice_webhook_url"])
	}
	if fields["media_websocket_url"] != "wss://relay.example/ws" {
		t.Fatalf("media_websocket_url = %v", fields["media_websocket_url"])
	}
}

func TestEventEnvelopeDecode(t *testing.T) {
	raw := `{"event":"media","media":{"payload":"AAAA"}}`
	var evt StreamEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Event != "media" || evt.Media == nil || evt.Media.Payload != "AAAA" {
		t.Fatalf("unexpected decode: %#v", evt)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"completed":   "completed",
		"in-progress": "",
		"busy":        "busy",
		"no-answer":   "no_answer",
		"failed":      "failed",
		"weird":       "unknown",
		"":            "",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
