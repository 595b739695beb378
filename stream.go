package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// StreamWrapper wraps an Upstream's ChunkStream, forwarding chunks
// verbatim while reconciling the preflight token estimate against the
// first (and typically only) usage-bearing chunk, and translating
// mid-stream faults the same way Deployment.Create does (spec.md §4.3).
//
// It holds its own reference to the target ModelState and preflight
// offset rather than relying on any ambient state, per spec.md §9.
type StreamWrapper struct {
	inner  ChunkStream
	model  *ModelState
	offset int
	logger *slog.Logger

	mu           sync.Mutex
	reconciled   bool
	closed       bool
}

func newStreamWrapper(inner ChunkStream, model *ModelState, offset int, logger *slog.Logger) *StreamWrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamWrapper{inner: inner, model: model, offset: offset, logger: logger}
}

// Next returns the next chunk. ok is false with a nil error at normal
// end of stream. A non-nil error means the stream faulted: the model has
// already been marked down and the error is a *Error, ready to surface to
// the caller.
func (w *StreamWrapper) Next(ctx context.Context) (*Chunk, bool, error) {
	chunk, ok, err := w.inner.Next(ctx)
	if err != nil {
		return nil, false, w.fail(err)
	}
	if !ok {
		return nil, false, nil
	}

	if chunk.Usage != nil {
		w.mu.Lock()
		alreadyReconciled := w.reconciled
		w.reconciled = true
		w.mu.Unlock()

		// Tolerate more than one usage-bearing chunk (spec.md §4.3): only
		// the first reconciliation is applied.
		if !alreadyReconciled {
			w.model.SpendTokens(chunk.Usage.TotalTokens - w.offset)
		}
	}

	return chunk, true, nil
}

// Close releases the underlying stream's resources. Safe to call more
// than once.
func (w *StreamWrapper) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.inner.Close()
}

func (w *StreamWrapper) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindCancelled, "", w.model.Name(), "stream cancelled", err)
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.ClientFault {
			w.logger.Debug("client fault mid-stream, not marking down", "model", w.model.Name(), "error", err)
			return newError(KindClientFault, "", w.model.Name(), "upstream rejected request", err)
		}
		if upErr.RateLimited {
			w.model.MarkDown(0)
			w.logger.Warn("hit rate limit mid-stream, marking down", "model", w.model.Name())
			return newError(KindRateLimited, "", w.model.Name(), "rate limit exceeded mid-stream", err)
		}
	}

	w.model.MarkDown(0)
	w.logger.Error("marking down model for wrapped stream error", "model", w.model.Name(), "error", err)
	return newError(KindTransientUpstreamError, "", w.model.Name(), "upstream stream failed", err)
}
