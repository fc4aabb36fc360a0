package realtime

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type upstreamRecord struct {
	auth   string
	beta   string
	model  string
	frames []map[string]any
}

func newFakeUpstream(t *testing.T, script func(conn *websocket.Conn, rec *upstreamRecord)) (*httptest.Server, chan *upstreamRecord) {
	t.Helper()
	done := make(chan *upstreamRecord, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &upstreamRecord{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(conn, rec)
		done <- rec
	}))
	t.Cleanup(srv.Close)
	return srv, done
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, s *Session) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}, false
	}
}

func TestConnectSendsSessionUpdateAndStreamsEvents(t *testing.T) {
	srv, done := newFakeUpstream(t, func(conn *websocket.Conn, rec *upstreamRecord) {
		for i := 0; i < 2; i++ {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				t.Errorf("read frame: %v", err)
				return
			}
			rec.frames = append(rec.frames, frame)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteJSON(map[string]any{"type": EventResponseAudioDelta, "response_id": "resp_1", "delta": "AQID"})
		_ = conn.WriteJSON(map[string]any{"type": EventError, "error": map[string]any{"type": "server_error", "message": "boom"}})
	})

	client := NewClient(Config{URL: wsURL(srv), APIKey: "sk-test", Model: "test-model"})
	s, err := client.Connect(context.Background(), SessionConfig{Instructions: "be brief", TranscriptionModel: "whisper-1"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	if err := s.AppendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("AppendAudio() error = %v", err)
	}

	ev, _ := nextEvent(t, s)
	if ev.Type != EventResponseAudioDelta || ev.ResponseID != "resp_1" || ev.Delta != "AQID" {
		t.Fatalf("first event = %+v", ev)
	}
	ev, _ = nextEvent(t, s)
	if ev.Type != EventError || ev.Error == nil || ev.Error.Message != "boom" || !ev.Retryable() {
		t.Fatalf("error event = %+v", ev)
	}

	rec := <-done
	if rec.auth != "Bearer sk-test" || rec.beta != "realtime=v1" || rec.model != "test-model" {
		t.Fatalf("handshake = %+v", rec)
	}
	update := rec.frames[0]
	if update["type"] != EventSessionUpdate {
		t.Fatalf("first frame type = %v, want %s", update["type"], EventSessionUpdate)
	}
	session := update["session"].(map[string]any)
	if session["voice"] != DefaultVoice || session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Fatalf("session = %v", session)
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["threshold"] != 0.5 || td["prefix_padding_ms"] != float64(300) || td["silence_duration_ms"] != float64(500) {
		t.Fatalf("turn_detection = %v", td)
	}
	if session["input_audio_transcription"].(map[string]any)["model"] != "whisper-1" {
		t.Fatalf("transcription = %v", session["input_audio_transcription"])
	}

	appendFrame := rec.frames[1]
	if appendFrame["type"] != EventInputAudioBufferAppend || appendFrame["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Fatalf("append frame = %v", appendFrame)
	}
}

func TestUpstreamFailureEmitsTransportError(t *testing.T) {
	srv, _ := newFakeUpstream(t, func(conn *websocket.Conn, _ *upstreamRecord) {
		var frame map[string]any
		_ = conn.ReadJSON(&frame)
	})

	s, err := NewClient(Config{URL: wsURL(srv)}).Connect(context.Background(), SessionConfig{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	ev, ok := nextEvent(t, s)
	if !ok || ev.Type != EventTransportError || ev.Err == nil {
		t.Fatalf("event = %+v (ok=%v), want transport error", ev, ok)
	}
	if _, ok := nextEvent(t, s); ok {
		t.Fatalf("events channel should be closed after transport error")
	}
}

func TestCloseIsIdempotentAndSilent(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newFakeUpstream(t, func(conn *websocket.Conn, _ *upstreamRecord) {
		var frame map[string]any
		_ = conn.ReadJSON(&frame)
		<-release
	})
	defer close(release)

	s, err := NewClient(Config{URL: wsURL(srv)}).Connect(context.Background(), SessionConfig{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = s.Close()
	_ = s.Close()

	if ev, ok := nextEvent(t, s); ok {
		t.Fatalf("unexpected event after Close: %+v", ev)
	}
	if err := s.AppendAudio([]byte{0, 0}); err != ErrClosed {
		t.Fatalf("AppendAudio() error = %v, want ErrClosed", err)
	}
}

func TestConnectRejectsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := NewClient(Config{URL: wsURL(srv)}).Connect(context.Background(), SessionConfig{}); err == nil {
		t.Fatalf("expected dial error")
	}
}
