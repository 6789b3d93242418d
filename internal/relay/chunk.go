package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhengjr9/chat-relay/internal/sse"
	"github.com/zhengjr9/chat-relay/internal/upstream"
)

// ErrMalformedEvent wraps every payload that is not a usable completion chunk.
var ErrMalformedEvent = errors.New("malformed upstream event")

// doneSentinel is the data line OpenAI-compatible servers send after the last chunk.
const doneSentinel = "[DONE]"

// ChunkKind discriminates parsed upstream events.
type ChunkKind int

const (
	// ChunkIgnore contributes no bytes: retry records and deltas without content.
	ChunkIgnore ChunkKind = iota
	// ChunkText carries a text fragment.
	ChunkText
	// ChunkStop ends the stream.
	ChunkStop
)

// Chunk is the result of interpreting one SSE record.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// ParseChunk interprets ev as a chat completion chunk. Only choices[0] is
// considered. A finish_reason of "stop" or the [DONE] sentinel yields
// ChunkStop; content in the same event is dropped.
func ParseChunk(ev *sse.Event) (Chunk, error) {
	if ev.Kind != sse.KindEvent {
		return Chunk{Kind: ChunkIgnore}, nil
	}
	if strings.TrimSpace(ev.Data) == doneSentinel {
		return Chunk{Kind: ChunkStop}, nil
	}

	var payload upstream.ChatCompletionChunk
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(payload.Choices) == 0 {
		return Chunk{}, fmt.Errorf("%w: no choices", ErrMalformedEvent)
	}

	choice := payload.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason == "stop" {
		return Chunk{Kind: ChunkStop}, nil
	}
	if choice.Delta.Content == nil || *choice.Delta.Content == "" {
		return Chunk{Kind: ChunkIgnore}, nil
	}
	return Chunk{Kind: ChunkText, Text: *choice.Delta.Content}, nil
}
