package voiceapi

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSSEReader(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: text_delta\ndata: {\"text\":\"Hel\"}\n\n" +
		"event: text_delta\r\ndata: {\"text\":\"lo\"}\r\n\r\n" +
		"data: line1\ndata: line2\n\n" +
		"event: complete\ndata: {}"

	r := newSSEReader(io.NopCloser(strings.NewReader(stream)))
	want := []struct{ name, data string }{
		{"text_delta", `{"text":"Hel"}`},
		{"text_delta", `{"text":"lo"}`},
		{"", "line1\nline2"},
		{"complete", "{}"},
	}
	for i, w := range want {
		name, data, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if name != w.name || string(data) != w.data {
			t.Errorf("event %d = (%q, %q), want (%q, %q)", i, name, data, w.name, w.data)
		}
	}
	if _, _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("final err = %v, want io.EOF", err)
	}
}

func TestSSEReader_DoneSentinel(t *testing.T) {
	r := newSSEReader(io.NopCloser(strings.NewReader("data: [DONE]\n\ndata: {}\n\n")))
	if _, _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
