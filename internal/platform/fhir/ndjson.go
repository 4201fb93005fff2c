package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// maxNDJSONLine bounds a single resource line when reading.
const maxNDJSONLine = 16 << 20

// NDJSONWriter streams resources in the bulk-data format: one compact JSON
// object per line.
type NDJSONWriter struct {
	w     *bufio.Writer
	line  bytes.Buffer
	enc   *json.Encoder
	count int
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	n := &NDJSONWriter{w: bufio.NewWriter(w)}
	n.enc = json.NewEncoder(&n.line)
	n.enc.SetEscapeHTML(false)
	return n
}

// WriteResource appends resource as one line. Nothing reaches the
// underlying writer until Flush.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	n.line.Reset()
	if err := n.enc.Encode(resource); err != nil {
		return err
	}
	if n.line.Len() == 0 || n.line.Bytes()[0] != '{' {
		return fmt.Errorf("ndjson: resource must encode to a JSON object")
	}
	if _, err := n.w.Write(n.line.Bytes()); err != nil {
		return err
	}
	n.count++
	return nil
}

// Count returns the number of resources written so far.
func (n *NDJSONWriter) Count() int {
	return n.count
}

func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}

// ReadNDJSON splits r into resources. Blank lines are skipped; a line that
// is not a JSON object fails with its 1-based line number.
func ReadNDJSON(r io.Reader) ([]json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)

	var out []json.RawMessage
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if text[0] != '{' || !json.Valid(text) {
			return nil, fmt.Errorf("ndjson line %d: not a JSON object", line)
		}
		out = append(out, json.RawMessage(append([]byte(nil), text...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ndjson line %d: %w", line+1, err)
	}
	return out, nil
}
