package voiceapi

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseReader splits a text/event-stream body into (event, data) pairs.
// Multi-line data fields are joined with newlines; a "[DONE]" payload ends
// the stream like EOF.
type sseReader struct {
	reader *bufio.Reader
	body   io.Closer
}

func newSSEReader(body io.ReadCloser) *sseReader {
	return &sseReader{
		reader: bufio.NewReader(body),
		body:   body,
	}
}

// Next returns the next event. It returns io.EOF at the end of the stream.
func (s *sseReader) Next() (string, []byte, error) {
	var eventName string
	var data bytes.Buffer

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				return finish(eventName, data.Bytes())
			}
			// Blank line without data: reset and keep going.
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if data.Len() == 0 {
				return "", nil, io.EOF
			}
			return finish(eventName, data.Bytes())
		}
	}
}

func finish(event string, payload []byte) (string, []byte, error) {
	if strings.TrimSpace(string(payload)) == "[DONE]" {
		return "", nil, io.EOF
	}
	return event, payload, nil
}

func (s *sseReader) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}
