package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVoiceServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startVoiceServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// nextEvent waits for one event from conn.
func nextEvent(t *testing.T, c realtime.Conn) (realtime.Event, bool) {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		return evt, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return realtime.Event{}, false
	}
}

// ── Voice ─────────────────────────────────────────────────────────────────────

func TestParseVoice(t *testing.T) {
	t.Parallel()
	for _, v := range realtime.Voices {
		got, err := realtime.ParseVoice(strings.ToUpper(string(v)))
		if err != nil || got != v {
			t.Errorf("ParseVoice(%q) = %q, %v", v, got, err)
		}
	}
	if _, err := realtime.ParseVoice("robot"); err == nil {
		t.Error("expected error for unknown voice")
	}
}

// ── URL ───────────────────────────────────────────────────────────────────────

func TestClient_URL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    string
		params  realtime.Params
		want    string
		wantErr bool
	}{
		{
			name:   "wss with conversation",
			base:   "wss://voice.example.com",
			params: realtime.Params{AgentID: "a1", Voice: realtime.VoiceSage, Token: "tok", ConversationID: "c9"},
			want:   "wss://voice.example.com/realtime-voice?agent_id=a1&conversation_id=c9&token=tok&voice=sage",
		},
		{
			name:   "https mapped, no conversation",
			base:   "https://voice.example.com/api",
			params: realtime.Params{AgentID: "a1", Voice: realtime.VoiceAlloy, Token: "tok"},
			want:   "wss://voice.example.com/api/realtime-voice?agent_id=a1&token=tok&voice=alloy",
		},
		{
			name:   "path already present",
			base:   "ws://localhost:8080/realtime-voice",
			params: realtime.Params{AgentID: "x", Voice: realtime.VoiceEcho},
			want:   "ws://localhost:8080/realtime-voice?agent_id=x&token=&voice=echo",
		},
		{
			name:    "bad scheme",
			base:    "ftp://example.com",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := realtime.New(tt.base).URL(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("URL = %q\nwant  %q", got, tt.want)
			}
		})
	}
}

// ── DecodeEvent ───────────────────────────────────────────────────────────────

func TestDecodeEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want realtime.Event
	}{
		{
			name: "conversation id top level",
			in:   `{"type":"conversation_created","conversation_id":"c1"}`,
			want: realtime.Event{Type: realtime.EventConversationCreated, ConversationID: "c1"},
		},
		{
			name: "conversation id nested",
			in:   `{"type":"conversation_created","conversation":{"id":"c2"}}`,
			want: realtime.Event{Type: realtime.EventConversationCreated, ConversationID: "c2"},
		},
		{
			name: "audio delta",
			in:   `{"type":"response.audio.delta","delta":"AAAA"}`,
			want: realtime.Event{Type: realtime.EventAudioDelta, Delta: "AAAA"},
		},
		{
			name: "final user transcript",
			in:   `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
			want: realtime.Event{Type: realtime.EventInputTranscriptionFinal, Transcript: "hello"},
		},
		{
			name: "nested error",
			in:   `{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`,
			want: realtime.Event{Type: realtime.EventError, ErrorMessage: "slow down", ErrorCode: "rate_limited"},
		},
		{
			name: "string error",
			in:   `{"type":"error","error":"bad frame"}`,
			want: realtime.Event{Type: realtime.EventError, ErrorMessage: "bad frame"},
		},
		{
			name: "bare error",
			in:   `{"type":"error"}`,
			want: realtime.Event{Type: realtime.EventError, ErrorMessage: "unknown error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := realtime.DecodeEvent([]byte(tt.in))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v\nwant %+v", got, tt.want)
			}
		})
	}

	if _, err := realtime.DecodeEvent([]byte(`{"delta":"x"}`)); err == nil {
		t.Error("expected error for event without type")
	}
	if _, err := realtime.DecodeEvent([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsParamsAndBearer(t *testing.T) {
	t.Parallel()
	type handshake struct {
		query voiceQuery
		auth  string
	}
	got := make(chan handshake, 1)

	srv := startVoiceServer(t, func(conn *websocket.Conn, r *http.Request) {
		q := r.URL.Query()
		got <- handshake{
			query: voiceQuery{q.Get("agent_id"), q.Get("voice"), q.Get("token"), q.Get("conversation_id")},
			auth:  r.Header.Get("Authorization"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := realtime.New(wsURL(srv)).Dial(context.Background(), realtime.Params{
		AgentID: "agent-7", Voice: realtime.VoiceCoral, Token: "secret", ConversationID: "conv-3",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case h := <-got:
		want := voiceQuery{"agent-7", "coral", "secret", "conv-3"}
		if h.query != want {
			t.Errorf("query = %+v, want %+v", h.query, want)
		}
		if h.auth != "Bearer secret" {
			t.Errorf("Authorization = %q", h.auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

type voiceQuery struct{ agent, voice, token, conversation string }

func TestDial_Validation(t *testing.T) {
	t.Parallel()
	c := realtime.New("ws://127.0.0.1:1")
	if _, err := c.Dial(context.Background(), realtime.Params{Voice: realtime.VoiceAlloy}); err == nil {
		t.Error("expected error without agent id")
	}
	if _, err := c.Dial(context.Background(), realtime.Params{AgentID: "a", Voice: "robot"}); err == nil {
		t.Error("expected error for unknown voice")
	}
}

func TestSendAudio_AppendEnvelope(t *testing.T) {
	t.Parallel()
	received := make(chan map[string]string, 1)

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]string
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := realtime.New(wsURL(srv)).Dial(context.Background(), realtime.Params{AgentID: "a"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pcm := audio.FloatToPCM16([]float32{0.25, -0.25})
	if err := c.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg["type"] != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg["type"])
		}
		if msg["audio"] != audio.EncodeBase64PCM(pcm) {
			t.Errorf("audio = %q", msg["audio"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestEvents_DeliveredInOrderAndClosedOnServerClose(t *testing.T) {
	t.Parallel()
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]string{"type": "session.created"})
		writeJSON(t, conn, map[string]string{"type": "garbage-without-json-issue"})
		_ = conn.Write(context.Background(), websocket.MessageText, []byte("{broken"))
		writeJSON(t, conn, map[string]string{"type": "response.audio.delta", "delta": "AAA="})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c, err := realtime.New(wsURL(srv)).Dial(context.Background(), realtime.Params{AgentID: "a"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	want := []realtime.EventType{realtime.EventSessionCreated, "garbage-without-json-issue", realtime.EventAudioDelta}
	for i, w := range want {
		evt, ok := nextEvent(t, c)
		if !ok {
			t.Fatalf("events closed early at %d", i)
		}
		if evt.Type != w {
			t.Errorf("event %d = %q, want %q", i, evt.Type, w)
		}
	}
	if _, ok := nextEvent(t, c); ok {
		t.Fatal("expected events channel to close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after normal closure = %v, want nil", err)
	}
	if err := c.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendAudio after close = %v, want ErrClosed", err)
	}
}

func TestEvents_AbnormalCloseSetsErr(t *testing.T) {
	t.Parallel()
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusInternalError, "exploded")
	})

	c, err := realtime.New(wsURL(srv)).Dial(context.Background(), realtime.Params{AgentID: "a"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, ok := nextEvent(t, c); ok {
		t.Fatal("expected events channel to close")
	}
	if c.Err() == nil {
		t.Error("expected Err after abnormal closure")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := realtime.New(wsURL(srv)).Dial(context.Background(), realtime.Params{AgentID: "a"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("expected events channel closed after Close")
	}
}
