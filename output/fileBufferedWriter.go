package output

import (
	"encoding/json"
	"os"
	"strings"
)

const defaultFlushThreshold = 100

type (
	bufferedWriter interface {
		Add(e interface{}) error
		Flush() error
	}

	// rawLine is written to the file verbatim instead of being marshalled,
	// used for the bare object id format.
	rawLine string

	// fileBufferedWriter buffers entries and writes them to the underlying
	// file as newline separated json once the buffer reaches the flush
	// threshold. It is not safe for concurrent use; the aggregator's owner
	// goroutine is its only caller.
	fileBufferedWriter struct {
		f              *os.File
		entries        []interface{}
		flushThreshold int
	}
)

func newFileBufferedWriter(f *os.File, flushThreshold int) *fileBufferedWriter {
	if flushThreshold <= 0 {
		flushThreshold = defaultFlushThreshold
	}
	return &fileBufferedWriter{
		f:              f,
		flushThreshold: flushThreshold,
	}
}

// Add buffers a single entry, flushing the buffer first if it is full.
func (w *fileBufferedWriter) Add(e interface{}) error {
	if len(w.entries) >= w.flushThreshold {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.entries = append(w.entries, e)
	return nil
}

// Flush writes all buffered entries to the file.
func (w *fileBufferedWriter) Flush() error {
	var sb strings.Builder
	for _, e := range w.entries {
		switch entry := e.(type) {
		case rawLine:
			sb.WriteString(string(entry))
		default:
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			sb.Write(data)
		}
		sb.WriteString("\n")
	}
	if _, err := w.f.WriteString(sb.String()); err != nil {
		return err
	}
	w.entries = nil
	return nil
}
