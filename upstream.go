package switchboard

import (
	"context"

	"github.com/goccy/go-json"
)

// ChatMessage is one message in a chat completion request. Content is
// kept as a plain string (rather than the teacher's multi-part
// json.RawMessage) because the preflight estimate (spec.md §4.2 step 2)
// only ever sums string content — non-text parts are out of scope for
// this module's token heuristic.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamOptions controls provider-side streaming behavior. IncludeUsage
// requests that the final chunk of a stream carry a Usage record.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatRequest is the unified request Deployment forwards to an Upstream.
// Extra carries any caller-supplied parameters this module doesn't know
// about, forwarded unchanged (spec.md §6: "Unknown parameters pass
// through unchanged").
type ChatRequest struct {
	Model         string                 `json:"model"`
	Messages      []ChatMessage          `json:"messages"`
	Stream        bool                   `json:"stream,omitempty"`
	StreamOptions *StreamOptions         `json:"stream_options,omitempty"`
	Timeout       float64                `json:"-"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// Usage reports token consumption for a completed (or end-of-stream)
// request. TotalTokens is the only field spec.md's accounting model
// reconciles against.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// ChatResponse is a non-streaming completion result.
type ChatResponse struct {
	Usage *Usage `json:"usage,omitempty"`
}

// Chunk is one element of a streamed completion. Usage is non-nil on at
// most one chunk, typically (but not necessarily, per spec.md §4.3) the
// last.
type Chunk struct {
	Usage *Usage
}

// ChunkStream is a lazy, finite sequence of Chunks. It is the Go shape of
// spec.md's "iterator of chunks" (§6): Next returns io.EOF-equivalent via
// a (nil, nil) terminal pair is avoided in favor of an explicit ok bool,
// since upstream iterators in this domain (per
// internal/provider.StreamHandler in the teacher) signal end-of-stream
// and mid-stream faults distinctly.
type ChunkStream interface {
	// Next blocks for the next chunk. ok is false with a nil error when
	// the stream has ended normally. A non-nil error means the stream
	// faulted and no further chunks will arrive.
	Next(ctx context.Context) (chunk *Chunk, ok bool, err error)

	// Close releases any resources held by the stream. Safe to call more
	// than once.
	Close() error
}

// Upstream is the opaque chat-completion backend a Deployment wraps. It is
// never implemented by this module — spec.md §1 treats it as an external
// collaborator ("the upstream chat-completion HTTP client itself"). Errors
// returned from Create are classified through *UpstreamError; an error
// wrapping context.Canceled or context.DeadlineExceeded becomes
// KindCancelled, and anything else (a *Error included) is treated as
// KindTransientUpstreamError.
type Upstream interface {
	// Create issues one chat-completion call. When req.Stream is true the
	// returned ChunkStream carries the response; otherwise resp carries
	// it. Exactly one of resp/stream is non-nil on a nil error.
	Create(ctx context.Context, req *ChatRequest) (resp *ChatResponse, stream ChunkStream, err error)
}

// UpstreamError lets an Upstream implementation classify a failure
// without constructing a full *Error itself — Deployment fills in the
// deployment/model context. RateLimited maps to KindRateLimited;
// ClientFault maps to KindClientFault; anything else (including a plain
// error with no UpstreamError) maps to KindTransientUpstreamError.
type UpstreamError struct {
	RateLimited bool
	ClientFault bool
	Cause       error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	switch {
	case e.RateLimited:
		return "upstream rate limited"
	case e.ClientFault:
		return "upstream rejected request"
	default:
		return "upstream error"
	}
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}
