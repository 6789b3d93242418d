package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contentEvent renders one upstream SSE event carrying a content delta.
func contentEvent(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"delta":         map[string]any{"content": content},
			"finish_reason": nil,
		}},
	})
	return "data: " + string(data) + "\n\n"
}

const stopEvent = `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n"

// trackingBody records whether Close was called.
type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func transcode(t *testing.T, body io.Reader) (string, *Stream) {
	t.Helper()
	stream := NewStream(io.NopCloser(body), nil)
	var out bytes.Buffer
	_, err := stream.WriteTo(&out)
	require.NoError(t, err)
	return out.String(), stream
}

func TestStreamHelloFragment(t *testing.T) {
	out, stream := transcode(t, strings.NewReader(contentEvent("Hello")))
	assert.Equal(t, "Hello", out)
	assert.Equal(t, StateClosed, stream.State())
}

func TestStreamScenarioHiThere(t *testing.T) {
	input := contentEvent("Hi") + contentEvent(" there") + stopEvent
	body := &trackingBody{Reader: strings.NewReader(input)}
	stream := NewStream(body, nil)

	var out bytes.Buffer
	_, err := stream.WriteTo(&out)
	require.NoError(t, err)

	assert.Equal(t, "Hi there", out.String())
	assert.Equal(t, StateCompleted, stream.State())
	assert.Equal(t, 2, stream.Fragments())
	assert.True(t, body.closed)
}

func TestStreamConcatenatesInOrder(t *testing.T) {
	fragments := []string{"The", " quick", " brown", " 狐狸", " jumps", "!"}
	var input strings.Builder
	for _, f := range fragments {
		input.WriteString(contentEvent(f))
	}

	out, _ := transcode(t, strings.NewReader(input.String()))
	assert.Equal(t, strings.Join(fragments, ""), out)
}

func TestStreamStopsAtFirstStop(t *testing.T) {
	input := contentEvent("kept") + stopEvent + contentEvent(" dropped") + stopEvent
	out, stream := transcode(t, strings.NewReader(input))
	assert.Equal(t, "kept", out)
	assert.Equal(t, StateCompleted, stream.State())
}

func TestStreamStopClosesUpstreamWithBytesPending(t *testing.T) {
	pr, pw := io.Pipe()
	stream := NewStream(pr, nil)

	writeErr := make(chan error, 1)
	go func() {
		if _, err := io.WriteString(pw, contentEvent("a")+stopEvent); err != nil {
			writeErr <- err
			return
		}
		// The relay must not read this: the pipe is closed once stop is seen.
		_, err := io.WriteString(pw, contentEvent("never"))
		writeErr <- err
	}()

	frag, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", frag)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateCompleted, stream.State())

	select {
	case err := <-writeErr:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("upstream writer still blocked after stop")
	}
}

func TestStreamDoneSentinelCompletes(t *testing.T) {
	out, stream := transcode(t, strings.NewReader(contentEvent("x")+"data: [DONE]\n\n"))
	assert.Equal(t, "x", out)
	assert.Equal(t, StateCompleted, stream.State())
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	input := contentEvent("a") +
		"data: {not json\n\n" +
		`data: {"choices":[]}` + "\n\n" +
		`data: {"object":"usage"}` + "\n\n" +
		contentEvent("b") + stopEvent

	out, stream := transcode(t, strings.NewReader(input))
	assert.Equal(t, "ab", out)
	assert.Equal(t, 3, stream.Malformed())
	assert.Equal(t, StateCompleted, stream.State())
}

func TestStreamChunkBoundaryIndependence(t *testing.T) {
	input := contentEvent("héllo ") + contentEvent("wörld ") + contentEvent("你好 🎉") + stopEvent
	want, _ := transcode(t, strings.NewReader(input))
	require.Equal(t, "héllo wörld 你好 🎉", want)

	for offset := 1; offset < len(input); offset++ {
		r := io.MultiReader(strings.NewReader(input[:offset]), strings.NewReader(input[offset:]))
		got, _ := transcode(t, r)
		require.Equal(t, want, got, "split at byte %d", offset)
	}

	got, _ := transcode(t, iotest.OneByteReader(strings.NewReader(input)))
	assert.Equal(t, want, got)
}

func TestStreamUpstreamEndsWithoutStop(t *testing.T) {
	out, stream := transcode(t, strings.NewReader(contentEvent("partial")+"data: {\"choi"))
	assert.Equal(t, "partial", out)
	assert.Equal(t, StateClosed, stream.State())
	assert.NoError(t, stream.Err())
}

func TestStreamReadErrorFails(t *testing.T) {
	boom := errors.New("connection reset by peer")
	body := io.MultiReader(strings.NewReader(contentEvent("a")), iotest.ErrReader(boom))
	stream := NewStream(io.NopCloser(body), nil)

	var out bytes.Buffer
	_, err := stream.WriteTo(&out)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "a", out.String())
	assert.Equal(t, StateFailed, stream.State())
	assert.ErrorIs(t, stream.Err(), boom)
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestStreamWriteErrorClosesUpstream(t *testing.T) {
	gone := errors.New("broken pipe")
	body := &trackingBody{Reader: strings.NewReader(contentEvent("a") + contentEvent("b"))}
	stream := NewStream(body, nil)

	_, err := stream.WriteTo(failingWriter{err: gone})
	require.ErrorIs(t, err, gone)
	assert.True(t, body.closed)
	assert.Equal(t, StateClosed, stream.State())
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(contentEvent("a"))}
	stream := NewStream(body, nil)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, err := stream.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateClosed, stream.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestStreamLoneCRStopCompletesWhileUpstreamOpen(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	go func() {
		input := strings.ReplaceAll(contentEvent("Hi")+stopEvent, "\n", "\r")
		_, _ = io.WriteString(pw, input)
	}()

	stream := NewStream(pr, nil)
	done := make(chan string, 1)
	go func() {
		var out bytes.Buffer
		_, _ = stream.WriteTo(&out)
		done <- out.String()
	}()

	select {
	case out := <-done:
		assert.Equal(t, "Hi", out)
		assert.Equal(t, StateCompleted, stream.State())
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not complete after a lone-CR terminated stop event")
	}
}
