package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

// ---- test helpers ----

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
	p := mustNew(t, "http://localhost:5002/")
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, trailing slash not trimmed", p.serverURL)
	}
	if p.apiMode != APIModeStandard {
		t.Errorf("default apiMode = %q, want %q", p.apiMode, APIModeStandard)
	}
	if p.language != defaultLanguage {
		t.Errorf("default language = %q", p.language)
	}

	p = mustNew(t, "http://x", WithAPIMode(APIModeXTTS), WithLanguage("de"), WithTimeout(5*time.Second))
	if p.apiMode != APIModeXTTS || p.language != "de" || p.httpClient.Timeout != 5*time.Second {
		t.Errorf("options not applied: %+v", p)
	}
}

// ---- Synthesize ----

func TestSynthesize_StandardAPI(t *testing.T) {
	pcm := make([]byte, 320)
	var mu sync.Mutex
	var query map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		query = map[string]string{
			"text":        r.URL.Query().Get("text"),
			"speaker_id":  r.URL.Query().Get("speaker_id"),
			"language_id": r.URL.Query().Get("language_id"),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(pcm, 16000, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithVoiceMap(map[string]string{"coral": "p225"}))
	clip, err := p.Synthesize(context.Background(), tts.Request{Text: "Hello there.", Voice: "coral"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if clip.ContentType != audio.WAVContentType {
		t.Errorf("ContentType = %q", clip.ContentType)
	}
	if len(clip.Data) != 44+len(pcm) {
		t.Errorf("clip size = %d, want %d", len(clip.Data), 44+len(pcm))
	}
	mu.Lock()
	defer mu.Unlock()
	if query["text"] != "Hello there." || query["speaker_id"] != "p225" || query["language_id"] != "en" {
		t.Errorf("query = %v", query)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	var body ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write(audio.EncodeWAV(make([]byte, 64), 24000, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi.", Voice: "speaker_alice", Speed: 1.2}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if body.Text != "Hi." || body.SpeakerWav != "speaker_alice" || body.Language != "en" || body.Speed != 1.2 {
		t.Errorf("request body = %+v", body)
	}
}

func TestSynthesize_XTTSRequiresVoice(t *testing.T) {
	p := mustNew(t, "http://127.0.0.1:1", WithAPIMode(APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Hi."}); err == nil {
		t.Fatal("expected error for missing voice in XTTS mode")
	}
}

func TestSynthesize_Resamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(audio.EncodeWAV(make([]byte, 2*22050), 22050, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithOutputSampleRate(24000))
	clip, err := p.Synthesize(context.Background(), tts.Request{Text: "x"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	info, err := parseWAV(clip.Data)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 24000 {
		t.Errorf("sample rate = %d, want 24000", info.SampleRate)
	}
	if samples := (len(clip.Data) - info.DataOffset) / 2; samples != 24000 {
		t.Errorf("samples = %d, want 24000", samples)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}

func TestSynthesize_InvalidWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not a wav"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for invalid WAV body")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := mustNew(t, "http://127.0.0.1:1")
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "  "}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	// Mock /studio_speakers returning a JSON object with two speaker names.
	rawResp := map[string]any{
		"speaker_alice": map[string]any{"type": "studio"},
		"speaker_bob":   map[string]any{"type": "studio"},
	}
	data, _ := json.Marshal(rawResp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}

	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}

	// Sorted order: alice before bob.
	if voices[0].ID != "speaker_alice" {
		t.Errorf("voices[0].ID = %q, want %q", voices[0].ID, "speaker_alice")
	}
	if voices[1].ID != "speaker_bob" {
		t.Errorf("voices[1].ID = %q, want %q", voices[1].ID, "speaker_bob")
	}
	for _, v := range voices {
		if v.Provider != "coqui" {
			t.Errorf("voice %q Provider = %q, want %q", v.ID, v.Provider, "coqui")
		}
		if v.Metadata["type"] != "studio" {
			t.Errorf("voice %q metadata type = %q, want studio", v.ID, v.Metadata["type"])
		}
	}
}

func TestListVoices_StandardAPI(t *testing.T) {
	tests := []struct {
		name    string
		details detailsResponse
		wantIDs []string
	}{
		{
			name:    "multi speaker",
			details: detailsResponse{ModelName: "vctk", Speakers: []string{"p226", "p225"}},
			wantIDs: []string{"p225", "p226"},
		},
		{
			name:    "single speaker",
			details: detailsResponse{ModelName: "ljspeech"},
			wantIDs: []string{"ljspeech"},
		},
		{
			name:    "unnamed single speaker",
			details: detailsResponse{},
			wantIDs: []string{"default"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != detailsEndpoint {
					http.NotFound(w, r)
					return
				}
				_ = json.NewEncoder(w).Encode(tc.details)
			}))
			defer srv.Close()

			voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if voices[i].ID != id {
					t.Errorf("voices[%d].ID = %q, want %q", i, voices[i].ID, id)
				}
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.ListVoices(context.Background())
	if err == nil {
		t.Fatal("expected error on server failure, got nil")
	}
	if !strings.Contains(err.Error(), "coqui:") {
		t.Errorf("error %q missing 'coqui:' prefix", err.Error())
	}
}

func TestListVoices_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.ListVoices(ctx)
	if err == nil {
		t.Fatal("expected error on context timeout, got nil")
	}
}

// ---- parseWAV ----

func TestParseWAV(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 8), 22050, 2)
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 || info.SampleRate != 22050 || info.Channels != 2 {
		t.Errorf("info = %+v", info)
	}

	// An extra LIST chunk before data must be skipped.
	extra := append([]byte(nil), wav[:36]...)
	extra = append(extra, []byte("LIST")...)
	extra = binary.LittleEndian.AppendUint32(extra, 3)
	extra = append(extra, 'a', 'b', 'c', 0) // odd size plus pad byte
	extra = append(extra, wav[36:]...)
	info, err = parseWAV(extra)
	if err != nil {
		t.Fatalf("parseWAV with LIST: %v", err)
	}
	if info.DataOffset != 56 {
		t.Errorf("DataOffset = %d, want 56", info.DataOffset)
	}

	for name, bad := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": append([]byte("RIFX"), wav[4:]...),
		"no wave": append(append([]byte(nil), wav[:8]...), append([]byte("AVI "), wav[12:]...)...),
		"no data": wav[:36],
	} {
		if _, err := parseWAV(bad); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
