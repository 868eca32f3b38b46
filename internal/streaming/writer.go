// Copyright 2024 The George QA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package streaming frames a streamed answer on the wire: prose tokens are written as
// they arrive, then a delimiter line, then one JSON block.
package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Delimiter separates the streamed prose from the trailing JSON block
const Delimiter = "<|END_OF_RESPONSE|>"

// ErrTerminated is returned when writing after the trailing block was sent
var ErrTerminated = errors.New("stream already terminated")

// ErrorEnvelope is the trailing block sent when a stream fails part way
type ErrorEnvelope struct {
	Name  string `json:"name"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Writer writes a framed stream. It is safe for use by one producer at a time.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	flusher    http.Flusher
	terminated bool
	written    int
}

// NewWriter wraps w. If w implements http.Flusher every write is flushed.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteToken writes one prose token
func (sw *Writer) WriteToken(token string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminated {
		return ErrTerminated
	}
	if token == "" {
		return nil
	}
	n, err := io.WriteString(sw.w, token)
	sw.written += n
	if err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteTerminal writes the delimiter line followed by v encoded as JSON. It can be
// called once; later calls return ErrTerminated.
func (sw *Writer) WriteTerminal(v any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.terminated {
		return ErrTerminated
	}
	sw.terminated = true

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode terminal block: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "\n%s\n%s", Delimiter, body); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// Terminated reports whether the trailing block was written
func (sw *Writer) Terminated() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.terminated
}

// BytesWritten returns the number of prose bytes written so far
func (sw *Writer) BytesWritten() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.written
}

func (sw *Writer) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// Split separates a complete framed body into its prose and its trailing JSON block.
// ok is false when the delimiter line is missing.
func Split(body string) (prose, terminal string, ok bool) {
	marker := "\n" + Delimiter + "\n"
	idx := strings.LastIndex(body, marker)
	if idx < 0 {
		return body, "", false
	}
	return body[:idx], body[idx+len(marker):], true
}
