package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

type flusher interface {
	Flush() error
}

// NDJSONWriter writes newline-delimited JSON objects. Writers with a Flush
// method are flushed after every object.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher flusher
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	var f flusher
	if fl, ok := w.(flusher); ok {
		f = fl
	}
	return &NDJSONWriter{writer: w, flusher: f}
}

// WriteMessage writes rec as a single NDJSON line.
func (w *NDJSONWriter) WriteMessage(rec MessageRecord) error {
	return w.WriteObject(rec)
}

// WriteObject marshals v to JSON and writes it followed by a newline.
func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if _, err := w.writer.Write([]byte("\n")); err != nil {
		return err
	}
	if w.flusher != nil {
		return w.flusher.Flush()
	}
	return nil
}

// WriteNDJSON writes every record on its own line and returns the count.
func WriteNDJSON(w io.Writer, records []MessageRecord) (int, error) {
	bw := bufio.NewWriter(w)
	out := NewNDJSONWriter(bw)
	for i, rec := range records {
		if err := out.WriteMessage(rec); err != nil {
			return i, err
		}
	}
	return len(records), bw.Flush()
}

// ReadNDJSON reads records written by WriteNDJSON. Blank lines are skipped.
func ReadNDJSON(r io.Reader) ([]MessageRecord, error) {
	dec := json.NewDecoder(r)
	var out []MessageRecord
	for line := 1; ; line++ {
		var rec MessageRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("ndjson record %d: %w", line, err)
		}
		out = append(out, rec)
	}
}
