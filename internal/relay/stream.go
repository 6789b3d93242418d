package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zhengjr9/chat-relay/internal/sse"
)

// State is the lifecycle position of a Stream.
type State int

const (
	StateStreaming State = iota
	// StateCompleted: the upstream signalled the end of generation.
	StateCompleted
	// StateClosed: upstream ended without a stop signal, or the consumer
	// closed the stream first.
	StateClosed
	// StateFailed: reading from upstream failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream turns an upstream SSE body into plain text fragments.
//
// Fragments are pulled with Next in upstream order. The upstream body is
// closed as soon as the stream leaves StateStreaming, so bytes following a
// stop signal are never read. A Stream is not safe for concurrent use, with
// the exception of Close.
type Stream struct {
	body   io.ReadCloser
	reader *sse.Reader
	logger *slog.Logger

	state State
	err   error

	fragments int
	malformed int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream starts transcoding body. A nil logger uses slog.Default.
func NewStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		body:   body,
		reader: sse.NewReader(body),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Next returns the next non-empty fragment. It returns io.EOF once the
// stream is completed or closed, and the read error once it failed.
// Malformed events are logged and skipped.
func (s *Stream) Next() (string, error) {
	for s.state == StateStreaming {
		if s.isClosed() {
			s.state = StateClosed
			break
		}

		ev, err := s.reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), s.isClosed():
				s.finish(StateClosed, nil)
			default:
				s.finish(StateFailed, fmt.Errorf("read upstream: %w", err))
			}
			continue
		}

		chunk, err := ParseChunk(ev)
		if err != nil {
			s.malformed++
			s.logger.Warn("skipping malformed upstream event",
				"error", err.Error(),
				"data", truncate(ev.Data, 200),
			)
			continue
		}

		switch chunk.Kind {
		case ChunkStop:
			s.finish(StateCompleted, nil)
		case ChunkText:
			s.fragments++
			return chunk.Text, nil
		}
	}

	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// WriteTo writes every remaining fragment to w in order and closes the
// stream. A write error closes the upstream body and is returned; upstream
// completion or end of input returns nil.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	defer s.Close()

	var n int64
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		m, err := io.WriteString(w, frag)
		n += int64(m)
		if err != nil {
			s.finish(StateClosed, nil)
			return n, fmt.Errorf("write fragment: %w", err)
		}
	}
}

// Close releases the upstream connection. It is idempotent; a stream closed
// while streaming ends in StateClosed.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.body.Close()
	})
	return err
}

// State reports the current lifecycle state. A Close from another goroutine
// is reflected once Next observes it.
func (s *Stream) State() State {
	return s.state
}

// Err returns the error that moved the stream into StateFailed.
func (s *Stream) Err() error {
	return s.err
}

// Fragments returns how many text fragments were produced.
func (s *Stream) Fragments() int {
	return s.fragments
}

// Malformed returns how many events were skipped.
func (s *Stream) Malformed() int {
	return s.malformed
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) finish(state State, err error) {
	s.state = state
	s.err = err
	_ = s.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
