// Package sse implements the server-sent-events wire framing used between
// the orchestrator, the gateway, and the upstream task API: a frame writer
// with per-frame flushing, an incremental frame reader, and a tolerant
// decoder for the event payloads carried in data lines.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/rotisserie/eris"
)

// Frame is one server-sent event: optional event type and id, plus the data
// payload with multi-line data fields joined by newlines.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Writer emits SSE frames to an underlying writer, flushing after each frame
// when the writer supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. If w implements http.Flusher (or exposes one via
// ResponseWriter unwrapping), every frame is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Write emits one frame, double-newline terminated per SSE convention.
func (w *Writer) Write(f Frame) error {
	var buf bytes.Buffer
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteByte('\n')
	}
	if f.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(f.ID)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(f.Data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return eris.Wrap(err, "sse: write frame")
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Comment emits an SSE comment line, useful as a keepalive.
func (w *Writer) Comment(text string) error {
	if _, err := io.WriteString(w.w, ": "+text+"\n\n"); err != nil {
		return eris.Wrap(err, "sse: write comment")
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Reader decodes SSE frames from a byte stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r for frame-by-frame reading.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next complete frame, io.EOF when the stream ends cleanly,
// or the transport error that broke the stream. Comment lines are skipped;
// a frame with no fields at all is skipped rather than surfaced.
func (r *Reader) Next() (Frame, error) {
	var (
		f         Frame
		dataLines [][]byte
		sawField  bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if !sawField {
				continue
			}
			f.Data = bytes.Join(dataLines, []byte{'\n'})
			return f, nil
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte{':'})
		value = bytes.TrimPrefix(value, []byte{' '})
		switch string(field) {
		case "event":
			f.Event = string(value)
			sawField = true
		case "id":
			f.ID = string(value)
			sawField = true
		case "data":
			dataLines = append(dataLines, append([]byte(nil), value...))
			sawField = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Frame{}, eris.Wrap(err, "sse: read stream")
	}
	if sawField {
		// Stream ended mid-frame; deliver what we have.
		f.Data = bytes.Join(dataLines, []byte{'\n'})
		return f, nil
	}
	return Frame{}, io.EOF
}
