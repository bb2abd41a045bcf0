// Package parser decodes Server-Sent Events streams and extracts tool
// activity from provider payloads.
package parser

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxEventSize bounds a single SSE line.
const maxEventSize = 4 << 20

// Done is the data payload OpenAI-compatible servers send as the final event.
const Done = "[DONE]"

// Event is one Server-Sent Event.
type Event struct {
	Type string
	Data string
}

// SSEReader reads events from a Server-Sent Events stream.
type SSEReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSEReader creates a reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event that carries data. It returns io.EOF when the
// stream is exhausted.
func (p *SSEReader) Next() (Event, error) {
	if p.done {
		return Event{}, io.EOF
	}

	var eventType string
	var dataLines []string

	for p.scanner.Scan() {
		line := p.scanner.Text()

		if line == "" {
			// Empty line = end of event
			if len(dataLines) > 0 {
				return Event{Type: eventType, Data: strings.Join(dataLines, "\n")}, nil
			}
			eventType = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
		}
	}

	p.done = true
	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}

	// Final event without a trailing blank line.
	if len(dataLines) > 0 {
		return Event{Type: eventType, Data: strings.Join(dataLines, "\n")}, nil
	}
	return Event{}, io.EOF
}

// ErrStreamError is returned for an "error" event in an Anthropic stream.
var ErrStreamError = errors.New("parser: error event in stream")
