package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/realtime"
)

func TestRelayWithRealtimeClient(t *testing.T) {
	audio := make([]byte, 320)
	for i := range audio {
		audio[i] = byte(i * 7)
	}
	wantB64 := base64.StdEncoding.EncodeToString(audio)

	upgrader := websocket.Upgrader{}
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var update map[string]any
		if err := conn.ReadJSON(&update); err != nil || update["type"] != realtime.EventSessionUpdate {
			t.Errorf("session.update = %v, err = %v", update, err)
			return
		}
		var appendEv map[string]any
		if err := conn.ReadJSON(&appendEv); err != nil {
			t.Errorf("read append: %v", err)
			return
		}
		if appendEv["type"] != realtime.EventInputAudioBufferAppend || appendEv["audio"] != wantB64 {
			t.Errorf("append = %v", appendEv)
		}
		_ = conn.WriteJSON(map[string]any{"type": realtime.EventTranscriptionCompleted, "transcript": "what time is it"})
		_ = conn.WriteJSON(map[string]any{"type": realtime.EventResponseAudioDelta, "response_id": "resp_9", "delta": "AAAA"})
		_ = conn.WriteJSON(map[string]any{"type": realtime.EventResponseDone})
		_, _, _ = conn.ReadMessage()
	}))
	defer upstreamSrv.Close()

	client := realtime.NewClient(realtime.Config{
		URL:    "ws" + strings.TrimPrefix(upstreamSrv.URL, "http"),
		APIKey: "sk-test",
	})
	hub := NewHub(Config{MinAudioFrameBytes: 100, DialTimeout: time.Second}, NewRealtimeUpstream(client), testMetrics(), nil)

	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(r.Context(), conn)
	}))
	defer relaySrv.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	if _, ok := readMessage(t, conn).Data.(protocol.SessionStart); !ok {
		t.Fatalf("expected session_start")
	}
	sendJSON(t, conn, `{"type":"start_session","data":{"config":{"instructions":"answer briefly"}}}`)
	expectPayload(t, conn, protocol.ConnectionStatus{Status: protocol.StatusConnected})

	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	expectPayload(t, conn, protocol.Transcription{Text: "what time is it", IsFinal: true})
	expectPayload(t, conn, protocol.TTSChunk{Audio: "AAAA", SequenceID: "resp_9"})
	expectPayload(t, conn, protocol.ResponseComplete{})
}
