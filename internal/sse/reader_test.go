package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []*Event {
	t.Helper()
	reader := NewReader(r)
	var events []*Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestReaderNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []*Event
	}{
		{
			name:  "single data event",
			input: "data: hello\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "hello"}},
		},
		{
			name:  "all fields",
			input: "event: message\nid: 7\ndata: {\"a\":1}\n\n",
			want:  []*Event{{Kind: KindEvent, Name: "message", ID: "7", Data: `{"a":1}`}},
		},
		{
			name:  "multi-line data joined with newline",
			input: "data: one\ndata: two\ndata:three\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "one\ntwo\nthree"}},
		},
		{
			name:  "comments and unknown fields ignored",
			input: ": keep-alive\nfoo: bar\ndata: x\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "x"}},
		},
		{
			name:  "event without data is not dispatched",
			input: "event: ping\n\ndata: after\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "after"}},
		},
		{
			name:  "id persists across events",
			input: "id: 1\ndata: a\n\ndata: b\n\n",
			want: []*Event{
				{Kind: KindEvent, ID: "1", Data: "a"},
				{Kind: KindEvent, ID: "1", Data: "b"},
			},
		},
		{
			name:  "retry produces reconnect interval",
			input: "retry: 3000\ndata: x\n\n",
			want: []*Event{
				{Kind: KindReconnectInterval, Retry: 3000},
				{Kind: KindEvent, Data: "x"},
			},
		},
		{
			name:  "non-numeric retry ignored",
			input: "retry: soon\ndata: x\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "x"}},
		},
		{
			name:  "CRLF terminators",
			input: "data: a\r\n\r\ndata: b\r\n\r\n",
			want:  []*Event{{Kind: KindEvent, Data: "a"}, {Kind: KindEvent, Data: "b"}},
		},
		{
			name:  "lone CR terminators",
			input: "data: a\r\rdata: b\r\r",
			want:  []*Event{{Kind: KindEvent, Data: "a"}, {Kind: KindEvent, Data: "b"}},
		},
		{
			name:  "only one leading space stripped",
			input: "data:   padded\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "  padded"}},
		},
		{
			name:  "field without colon",
			input: "data\n\n",
			want:  []*Event{{Kind: KindEvent, Data: ""}},
		},
		{
			name:  "unterminated trailing event discarded",
			input: "data: done\n\ndata: partial",
			want:  []*Event{{Kind: KindEvent, Data: "done"}},
		},
		{
			name:  "leading BOM stripped",
			input: "\ufeffdata: bom\n\n",
			want:  []*Event{{Kind: KindEvent, Data: "bom"}},
		},
		{
			name:  "empty stream",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, readAll(t, strings.NewReader(tt.input)))
		})
	}
}

func TestReaderInvalidUTF8Replaced(t *testing.T) {
	t.Parallel()

	events := readAll(t, strings.NewReader("data: a\xffb\n\n"))
	require.Len(t, events, 1)
	assert.Equal(t, "a\ufffdb", events[0].Data)
}

func TestReaderChunkBoundaryIndependence(t *testing.T) {
	t.Parallel()

	input := "data: héllo wörld 你好 🎉\r\n\r\nevent: x\ndata: ünïcode\n\n"
	whole := readAll(t, strings.NewReader(input))
	require.Len(t, whole, 2)

	// One byte per read splits every multi-byte code point and the CRLF pair.
	split := readAll(t, iotest.OneByteReader(strings.NewReader(input)))
	assert.Equal(t, whole, split)

	for offset := 1; offset < len(input); offset++ {
		r := io.MultiReader(strings.NewReader(input[:offset]), strings.NewReader(input[offset:]))
		assert.Equal(t, whole, readAll(t, r), "split at byte %d", offset)
	}
}

func TestReaderLineTooLong(t *testing.T) {
	t.Parallel()

	reader := NewReader(strings.NewReader("data: " + strings.Repeat("x", maxLineSize+1) + "\n\n"))
	_, err := reader.Next()
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestReaderLargeLine(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 512*1024)
	events := readAll(t, strings.NewReader("data: "+big+"\n\n"))
	require.Len(t, events, 1)
	assert.Len(t, events[0].Data, len(big))
}

func TestReaderPropagatesReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: a\n\n"), iotest.ErrReader(boom))
	reader := NewReader(r)

	ev, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Data)

	_, err = reader.Next()
	assert.ErrorIs(t, err, boom)
}

func TestReaderLoneCRDispatchesWithoutMoreInput(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	go func() {
		_, _ = io.WriteString(pw, "data: a\r\r")
	}()

	reader := NewReader(pr)
	got := make(chan *Event, 1)
	go func() {
		ev, err := reader.Next()
		if err == nil {
			got <- ev
		}
		close(got)
	}()

	select {
	case ev, ok := <-got:
		require.True(t, ok, "reader failed before dispatching")
		assert.Equal(t, "a", ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("event terminated by lone CR was not dispatched while upstream stayed open")
	}
}

func TestReaderCRLFSplitAcrossReads(t *testing.T) {
	t.Parallel()

	r := io.MultiReader(
		strings.NewReader("data: a\r"),
		strings.NewReader("\ndata: b\r"),
		strings.NewReader("\n\r\n"),
	)
	events := readAll(t, r)
	require.Len(t, events, 1)
	assert.Equal(t, "a\nb", events[0].Data)
}
