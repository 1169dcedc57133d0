package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer emits text/event-stream frames and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for streaming: it sets the event-stream headers and
// sends them immediately.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	sw.flush()
	return sw
}

// Event writes a named event. data must be JSON; it is compacted onto one line.
func (s *Writer) Event(name string, data []byte) error {
	var buf bytes.Buffer
	if len(bytes.TrimSpace(data)) == 0 {
		buf.WriteString("{}")
	} else if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("compact %s payload: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, buf.Bytes()); err != nil {
		return err
	}
	s.flush()
	return nil
}

// JSON marshals v and writes it as event name.
func (s *Writer) JSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return s.Event(name, data)
}

// Comment writes a comment line. Clients ignore it; proxies see traffic.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Message is one frame read from an event stream. Comment frames carry only
// Comment.
type Message struct {
	Event   string
	Data    []byte
	Comment string
}

// Reader parses a text/event-stream body.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r. Frames up to 1 MiB are accepted.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &Reader{sc: sc}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (r *Reader) Next() (Message, error) {
	var (
		msg     Message
		data    []string
		pending bool
	)
	finish := func() Message {
		if len(data) > 0 {
			msg.Data = []byte(strings.Join(data, "\n"))
			if msg.Event == "" {
				msg.Event = "message"
			}
		}
		return msg
	}

	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if pending {
				return finish(), nil
			}
			continue
		}
		pending = true
		switch {
		case strings.HasPrefix(line, ":"):
			msg.Comment = strings.TrimSpace(line[1:])
		case strings.HasPrefix(line, "event:"):
			msg.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[len("data:"):], " "))
		}
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, err
	}
	if pending {
		return finish(), nil
	}
	return Message{}, io.EOF
}

// IsEOF reports whether err marks the normal end of a stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
