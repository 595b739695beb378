package switchboard

import (
	"context"
	"errors"
)

// fakeUpstream is a scriptable Upstream used across the test suite. calls
// are pulled off in order; once exhausted the last entry repeats.
type fakeUpstream struct {
	calls []fakeCall
	n     int
}

type fakeCall struct {
	resp   *ChatResponse
	stream *fakeChunkStream
	err    error
}

func (f *fakeUpstream) Create(ctx context.Context, req *ChatRequest) (*ChatResponse, ChunkStream, error) {
	if len(f.calls) == 0 {
		return nil, nil, errors.New("fakeUpstream: no calls scripted")
	}
	idx := f.n
	if idx >= len(f.calls) {
		idx = len(f.calls) - 1
	}
	f.n++
	c := f.calls[idx]
	if c.err != nil {
		return nil, nil, c.err
	}
	if c.stream != nil {
		return nil, c.stream, nil
	}
	return c.resp, nil, nil
}

// fakeChunkStream replays a fixed slice of chunks, then fails with err (if
// non-nil) or ends normally.
type fakeChunkStream struct {
	chunks []*Chunk
	err    error
	i      int
	closed bool
}

func (s *fakeChunkStream) Next(ctx context.Context) (*Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, true, nil
	}
	if s.err != nil {
		return nil, false, s.err
	}
	return nil, false, nil
}

func (s *fakeChunkStream) Close() error {
	s.closed = true
	return nil
}

func usageResponse(total int) *ChatResponse {
	return &ChatResponse{Usage: &Usage{TotalTokens: total}}
}

func rateLimitedErr() error {
	return &UpstreamError{RateLimited: true, Cause: errors.New("429 too many requests")}
}

func clientFaultErr() error {
	return &UpstreamError{ClientFault: true, Cause: errors.New("400 bad request")}
}

func transientErr() error {
	return errors.New("connection reset by peer")
}
