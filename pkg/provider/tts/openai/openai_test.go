package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/agentvoice/pkg/provider/tts"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", "", WithResponseFormat("flac")); err == nil {
		t.Error("expected error for unsupported format")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "tts-1" {
		t.Errorf("model = %q, want tts-1", p.model)
	}
}

func TestSynthesize_PostsSpeechRequest(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF....WAVE"))
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini-tts", WithBaseURL(srv.URL+"/v1/"), WithResponseFormat("wav"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := p.Synthesize(context.Background(), tts.Request{Text: "hello", Voice: "sage", Speed: 9})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if path != "/v1/audio/speech" {
		t.Errorf("path = %q", path)
	}
	if got["input"] != "hello" || got["voice"] != "sage" || got["model"] != "gpt-4o-mini-tts" {
		t.Errorf("body = %v", got)
	}
	if got["response_format"] != "wav" {
		t.Errorf("response_format = %v", got["response_format"])
	}
	if got["speed"] != tts.MaxSpeed {
		t.Errorf("speed = %v, want clamped %v", got["speed"], tts.MaxSpeed)
	}
	if a.ContentType != "audio/wav" || string(a.Data) != "RIFF....WAVE" {
		t.Errorf("audio = %q (%s)", a.Data, a.ContentType)
	}
}

func TestSynthesize_DefaultVoice(t *testing.T) {
	var voice any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		voice = body["voice"]
		_, _ = w.Write([]byte{0xff, 0xfb})
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	a, err := p.Synthesize(context.Background(), tts.Request{Text: "x"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if voice != defaultVoice {
		t.Errorf("voice = %v, want %s", voice, defaultVoice)
	}
	if a.ContentType != "audio/mpeg" {
		t.Errorf("ContentType = %q", a.ContentType)
	}
}

func TestSynthesize_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid voice"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "x"}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}
