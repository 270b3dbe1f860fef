package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/agentvoice/pkg/audio"
	"github.com/MrWong99/agentvoice/pkg/provider/stt"
	"github.com/MrWong99/agentvoice/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request and stores the last language form value in *lang.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32, lang *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if !strings.HasPrefix(string(data), "RIFF") {
			http.Error(w, "not wav", http.StatusBadRequest)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if lang != nil {
			lang.Store(r.FormValue("language"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testWAV() []byte {
	return audio.EncodeWAV(make([]byte, 3200), 16000, 1)
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL, got nil")
	}
}

func TestTranscribe_ReturnsServerText(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "  hello world \n", &calls, nil)

	p, err := whisper.New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: testWAV()})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Errorf("Text = %q, want %q", tr.Text, "hello world")
	}
	if tr.Language != "en" {
		t.Errorf("Language = %q, want default %q", tr.Language, "en")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestTranscribe_RequestLanguageOverridesDefault(t *testing.T) {
	var lang atomic.Value
	srv := newMockServer(t, "hallo", nil, &lang)

	p, err := whisper.New(srv.URL, whisper.WithLanguage("fr"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: testWAV(), Language: "de"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got, _ := lang.Load().(string); got != "de" {
		t.Errorf("language field = %q, want %q", got, "de")
	}

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: testWAV()}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got, _ := lang.Load().(string); got != "fr" {
		t.Errorf("language field = %q, want configured %q", got, "fr")
	}
}

func TestTranscribe_EmptyAudio_ReturnsError(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, "x", &calls, nil)

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{}); err == nil {
		t.Fatal("expected error for empty audio")
	}
	if calls.Load() != 0 {
		t.Error("server must not be called for empty audio")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: testWAV()})
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q should mention the status code", err)
	}
}

func TestTranscribe_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: testWAV()}); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, "x", nil, nil)
	p, _ := whisper.New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, stt.Request{Audio: testWAV()}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
