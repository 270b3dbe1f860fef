package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// streamServer is a fake stream-input endpoint. It records every text
// message and answers the end-of-input marker with the configured chunks.
type streamServer struct {
	mu       sync.Mutex
	path     string
	query    map[string]string
	messages []map[string]any
	chunks   [][]byte
	errMsg   string
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.path = r.URL.Path
	s.query = map[string]string{
		"model_id":      r.URL.Query().Get("model_id"),
		"output_format": r.URL.Query().Get("output_format"),
	}
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		chunks, errMsg := s.chunks, s.errMsg
		s.mu.Unlock()

		if msg["text"] != "" {
			continue
		}
		if errMsg != "" {
			b, _ := json.Marshal(map[string]any{"error": errMsg})
			_ = conn.Write(ctx, websocket.MessageText, b)
			return
		}
		for _, c := range chunks {
			b, _ := json.Marshal(map[string]any{"audio": base64.StdEncoding.EncodeToString(c), "isFinal": false})
			_ = conn.Write(ctx, websocket.MessageText, b)
		}
		b, _ := json.Marshal(map[string]any{"isFinal": true})
		_ = conn.Write(ctx, websocket.MessageText, b)
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
}

func newStreamProvider(t *testing.T, srv *streamServer, opts ...Option) *Provider {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	opts = append(opts, WithEndpoints(wsBase, ts.URL))
	p, err := New("xi-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ---- Synthesize ----

func TestSynthesize_CollectsChunks(t *testing.T) {
	srv := &streamServer{chunks: [][]byte{{1, 2}, {3, 4}}}
	p := newStreamProvider(t, srv,
		WithOutputFormat("pcm_24000"),
		WithVoiceMap(map[string]string{"coral": "voice-abc"}),
	)

	clip, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello there.", Voice: "coral", Speed: 3})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip.Data) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("Data = %v, want [1 2 3 4]", clip.Data)
	}
	if clip.ContentType != "audio/pcm;rate=24000;channels=1" {
		t.Errorf("ContentType = %q", clip.ContentType)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.path != "/v1/text-to-speech/voice-abc/stream-input" {
		t.Errorf("path = %q", srv.path)
	}
	if srv.query["model_id"] != defaultModel || srv.query["output_format"] != "pcm_24000" {
		t.Errorf("query = %v", srv.query)
	}
	if len(srv.messages) != 3 {
		t.Fatalf("messages = %d, want 3 (begin, text, end)", len(srv.messages))
	}
	boi := srv.messages[0]
	if boi["xi_api_key"] != "xi-key" || boi["text"] != " " {
		t.Errorf("begin of input = %v", boi)
	}
	vs, _ := boi["voice_settings"].(map[string]any)
	if vs["speed"] != maxSpeed {
		t.Errorf("speed = %v, want clamped %v", vs["speed"], maxSpeed)
	}
	if srv.messages[1]["text"] != "Hello there. " {
		t.Errorf("text message = %v", srv.messages[1])
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	p := newStreamProvider(t, &streamServer{errMsg: "quota exceeded"})
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "x", Voice: "v"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	p := newStreamProvider(t, &streamServer{})
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x", Voice: "v"}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestSynthesize_Validation(t *testing.T) {
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "", Voice: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); err == nil {
		t.Error("expected error for empty voice")
	}
}

func TestElevenSpeed(t *testing.T) {
	for in, want := range map[float64]float64{0: 0, 0.25: minSpeed, 1: 1, 4: maxSpeed} {
		if got := elevenSpeed(in); got != want {
			t.Errorf("elevenSpeed(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildURLForVoice(t *testing.T) {
	p, _ := New("key")
	u := p.buildURLForVoice("voice-abc123")
	if !strings.HasPrefix(u, "wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input?") {
		t.Errorf("unexpected URL: %s", u)
	}
	if !strings.Contains(u, "model_id=eleven_flash_v2_5") || !strings.Contains(u, "output_format=mp3_44100_128") {
		t.Errorf("URL missing query parameters: %s", u)
	}
}

func TestListVoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != voicesPath || r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"a","name":"Rachel","category":"premade"}]}`))
	}))
	defer ts.Close()

	p, _ := New("key", WithEndpoints("ws://unused", ts.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "a" || voices[0].Metadata["category"] != "premade" {
		t.Errorf("voices = %+v", voices)
	}

	p, _ = New("wrong", WithEndpoints("ws://unused", ts.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error for HTTP 403")
	}
}

// ---- Voice list response parsing ----

func TestParseVoicesResponse_Success(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{
				"voice_id": "abc123",
				"name": "Rachel",
				"category": "premade",
				"labels": {"gender": "female", "accent": "american"}
			},
			{
				"voice_id": "def456",
				"name": "Adam",
				"category": "premade",
				"labels": {"gender": "male"}
			}
		]
	}`)

	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	rachel := profiles[0]
	if rachel.ID != "abc123" {
		t.Errorf("expected ID 'abc123', got %q", rachel.ID)
	}
	if rachel.Name != "Rachel" {
		t.Errorf("expected Name 'Rachel', got %q", rachel.Name)
	}
	if rachel.Provider != "elevenlabs" {
		t.Errorf("expected Provider 'elevenlabs', got %q", rachel.Provider)
	}
	if rachel.Metadata["gender"] != "female" {
		t.Errorf("expected gender 'female', got %q", rachel.Metadata["gender"])
	}
	if rachel.Metadata["category"] != "premade" {
		t.Errorf("expected category 'premade', got %q", rachel.Metadata["category"])
	}

	adam := profiles[1]
	if adam.ID != "def456" {
		t.Errorf("expected ID 'def456', got %q", adam.ID)
	}
}

func TestParseVoicesResponse_Empty(t *testing.T) {
	raw := []byte(`{"voices":[]}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 0 {
		t.Errorf("expected 0 profiles, got %d", len(profiles))
	}
}

func TestParseVoicesResponse_InvalidJSON(t *testing.T) {
	_, err := parseVoicesResponse([]byte(`{invalid`))
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseVoicesResponse_NoLabels(t *testing.T) {
	raw := []byte(`{
		"voices": [
			{"voice_id": "x1", "name": "Ghost", "category": "", "labels": null}
		]
	}`)
	profiles, err := parseVoicesResponse(raw)
	if err != nil {
		t.Fatalf("parseVoicesResponse: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	// category is empty, so it should not appear in metadata.
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no 'category' key in metadata when category is empty")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	for _, f := range []string{"ulaw_8000", "pcm_abc"} {
		if _, err := New("key", WithOutputFormat(f)); err == nil {
			t.Errorf("expected error for output format %q", f)
		}
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.outputFormat != "pcm_24000" {
		t.Errorf("expected outputFormat 'pcm_24000', got %q", p.outputFormat)
	}
}
