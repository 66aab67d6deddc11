package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bodul/planchette/internal/api"
)

// Stream reads answer events from an open response.
type Stream struct {
	// Crisis is true when the server flagged the question.
	Crisis bool

	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStream(resp *http.Response) *Stream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{
		Crisis:  resp.Header.Get(api.CrisisHeader) == "true",
		body:    resp.Body,
		scanner: scanner,
	}
}

// Next returns the next event. Lines that are not data lines or do not
// decode are skipped. It returns io.EOF after the terminal event or when the
// body ends.
func (s *Stream) Next() (api.Event, error) {
	if s.done {
		return api.Event{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev api.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Done {
			s.done = true
		}
		return ev, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return api.Event{}, fmt.Errorf("read stream: %w", err)
	}
	return api.Event{}, io.EOF
}

// Close releases the connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
