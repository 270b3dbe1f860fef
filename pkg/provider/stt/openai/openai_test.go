package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
)

// capturedUpload holds the interesting parts of a transcription request.
type capturedUpload struct {
	path     string
	auth     string
	model    string
	language string
	filename string
	audio    []byte
}

func newTranscriptionServer(t *testing.T, status int, text string, got *capturedUpload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.path = r.URL.Path
			got.auth = r.Header.Get("Authorization")
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				got.model = r.FormValue("model")
				got.language = r.FormValue("language")
				if f, hdr, err := r.FormFile("file"); err == nil {
					got.filename = hdr.Filename
					got.audio, _ = io.ReadAll(f)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "bad things", "type": "invalid_request_error"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestNew_DefaultsModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", p.model)
	}
}

func TestTranscribe_UploadsAudio(t *testing.T) {
	var got capturedUpload
	srv := newTranscriptionServer(t, http.StatusOK, " what is the weather ", &got)

	p, err := New("sk-test", "gpt-4o-mini-transcribe",
		WithBaseURL(srv.URL+"/v1/"),
		WithLanguage("en"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav := audio.EncodeWAV(make([]byte, 640), 16000, 1)
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: wav, ContentType: audio.WAVContentType})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "what is the weather" {
		t.Errorf("Text = %q", tr.Text)
	}
	if tr.Language != "en" {
		t.Errorf("Language = %q, want en", tr.Language)
	}
	if got.path != "/v1/audio/transcriptions" {
		t.Errorf("path = %q", got.path)
	}
	if got.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got.auth)
	}
	if got.model != "gpt-4o-mini-transcribe" {
		t.Errorf("model = %q", got.model)
	}
	if got.language != "en" {
		t.Errorf("language = %q", got.language)
	}
	if got.filename != "audio.wav" {
		t.Errorf("filename = %q, want audio.wav", got.filename)
	}
	if len(got.audio) != len(wav) {
		t.Errorf("uploaded %d bytes, want %d", len(got.audio), len(wav))
	}
}

func TestTranscribe_APIError(t *testing.T) {
	srv := newTranscriptionServer(t, http.StatusBadRequest, "", nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL))

	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF")})
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if !strings.HasPrefix(err.Error(), "openai: transcribe:") {
		t.Errorf("error = %q, want openai: transcribe prefix", err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := New("sk-test", "")
	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/wav":              ".wav",
		"audio/webm;codecs=opus": ".webm",
		"audio/ogg":              ".ogg",
		"audio/mpeg":             ".mp3",
		"":                       ".wav",
	}
	for ct, want := range tests {
		if got := extensionFor(ct); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", ct, got, want)
		}
	}
}
