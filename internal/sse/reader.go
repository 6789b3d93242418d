// Package sse parses Server-Sent Events from a byte stream.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Kind discriminates the records produced by Reader.
type Kind int

const (
	// KindEvent is a dispatched event carrying data.
	KindEvent Kind = iota
	// KindReconnectInterval is produced by a numeric retry field.
	KindReconnectInterval
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindReconnectInterval:
		return "reconnect-interval"
	default:
		return "unknown"
	}
}

// Event is one parsed record.
type Event struct {
	Kind Kind
	// Name is the value of the event field, empty when none was sent.
	Name string
	Data string
	ID   string
	// Retry is set for KindReconnectInterval, in milliseconds.
	Retry int
}

const maxLineSize = 1024 * 1024

// Reader parses events incrementally. Bytes are decoded as UTF-8: a leading
// BOM is dropped, ill-formed sequences become U+FFFD, and a code point split
// across reads is held back until it is complete.
type Reader struct {
	scanner *bufio.Scanner

	name      string
	id        string
	dataLines []string
	hasData   bool
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	decoded := transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	s := bufio.NewScanner(decoded)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	s.Split(new(lineSplitter).split)
	return &Reader{scanner: s}
}

// Next returns the next record, or io.EOF once the input is exhausted.
// An event still being accumulated when the input ends is discarded.
// bufio.ErrTooLong is returned for lines over 1 MiB.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if ev := r.dispatch(); ev != nil {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseLine(line)
		switch field {
		case "event":
			r.name = value
		case "data":
			r.dataLines = append(r.dataLines, value)
			r.hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.id = value
			}
		case "retry":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				return &Event{Kind: KindReconnectInterval, Retry: n}, nil
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// dispatch completes the pending event. It returns nil when no data was
// seen, in which case only the event name is reset. The id persists across
// events.
func (r *Reader) dispatch() *Event {
	defer func() {
		r.name = ""
		r.dataLines = r.dataLines[:0]
		r.hasData = false
	}()
	if !r.hasData {
		return nil
	}
	return &Event{
		Kind: KindEvent,
		Name: r.name,
		Data: strings.Join(r.dataLines, "\n"),
		ID:   r.id,
	}
}

// parseLine splits a line into field name and value, dropping one leading
// space from the value.
func parseLine(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// lineSplitter is a bufio.SplitFunc state accepting CRLF, LF and lone CR
// terminators. A CR ends the line as soon as it is seen; skipLF drops the LF
// of a CRLF pair that arrives in a later read.
type lineSplitter struct {
	skipLF bool
}

func (l *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if l.skipLF && len(data) > 0 {
		l.skipLF = false
		if data[0] == '\n' {
			return 1, nil, nil
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		l.skipLF = true
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
