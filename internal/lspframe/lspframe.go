// Package lspframe implements the LSP Base Protocol framing: JSON-RPC
// message bodies prefixed with a Content-Length header block.
//
// The decoder is an explicit state machine over a byte buffer. Lengths are
// byte counts, never character counts; feeding it chunk boundaries that split
// multi-byte UTF-8 sequences or header blocks is safe.
package lspframe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const headerSeparator = "\r\n\r\n"

// Encode prepends the Content-Length header to a message body.
func Encode(body []byte) []byte {
	framed := make([]byte, 0, len(body)+32)
	framed = append(framed, []byte(fmt.Sprintf("Content-Length: %d%s", len(body), headerSeparator))...)
	return append(framed, body...)
}

// Decoder incrementally parses framed messages from a byte stream.
//
// State 1 (expected < 0): scan for the header terminator, parse
// Content-Length. A header block without a parseable length is discarded and
// scanning resumes.
// State 2 (expected >= 0): wait until the buffer holds expected bytes, then
// slice off one body.
type Decoder struct {
	buf      bytes.Buffer
	expected int
}

// NewDecoder returns a decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{expected: -1}
}

// Feed appends a stdout chunk and returns every message body completed by it.
// Bodies are fresh copies; callers may retain them.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf.Write(chunk)

	var bodies [][]byte
	for {
		if d.expected < 0 {
			raw := d.buf.Bytes()
			idx := bytes.Index(raw, []byte(headerSeparator))
			if idx < 0 {
				return bodies
			}
			header := string(raw[:idx])
			d.buf.Next(idx + len(headerSeparator))

			length, err := parseContentLength(header)
			if err != nil {
				// Malformed header block: drop it and keep scanning.
				continue
			}
			d.expected = length
		}

		if d.buf.Len() < d.expected {
			return bodies
		}

		body := make([]byte, d.expected)
		copy(body, d.buf.Bytes()[:d.expected])
		d.buf.Next(d.expected)
		d.expected = -1
		bodies = append(bodies, body)
	}
}

// parseContentLength extracts the Content-Length value from a header block.
// Header names compare case-insensitively.
func parseContentLength(header string) (int, error) {
	for _, line := range strings.Split(header, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad content-length %q", value)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no content-length header in %q", header)
}
