package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/arini-ai/azure-switchboard")

// DeploymentConfig is the construction-time configuration for one
// Deployment (spec.md §6). ID is optional: a random one is minted when
// the caller doesn't supply one, for correlating logs/spans/metrics
// independent of the (mutable-in-principle) display Name.
type DeploymentConfig struct {
	ID             string
	Name           string
	Endpoint       string
	APIKey         string
	APIVersion     string
	TimeoutSeconds float64
	Models         []ModelConfig
}

// Deployment is one configured backend, wrapping an opaque Upstream plus
// the per-model rate-accounting state spec.md §4.2 describes. Deployments
// are constructed once by a Switchboard and live for its lifetime.
type Deployment struct {
	id       string
	name     string
	endpoint string
	timeout  time.Duration

	models map[string]*ModelState

	upstream Upstream
	logger   *slog.Logger
}

// NewDeployment constructs a Deployment from config and an Upstream
// handle. Upstream construction itself (API client setup, credential
// resolution) is the caller's responsibility — this module treats
// Upstream as already-built and opaque (spec.md §1).
func NewDeployment(cfg DeploymentConfig, upstream Upstream, logger *slog.Logger) (*Deployment, error) {
	if cfg.Name == "" {
		return nil, newError(KindConfigError, "", "", "deployment name is required", nil)
	}
	if upstream == nil {
		return nil, newError(KindConfigError, cfg.Name, "", "upstream is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	models := make(map[string]*ModelState, len(cfg.Models))
	for _, mc := range cfg.Models {
		if mc.Name == "" {
			continue
		}
		models[mc.Name] = newModelState(mc)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Deployment{
		id:       id,
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		models:   models,
		upstream: upstream,
		logger:   logger.With("deployment", cfg.Name, "deployment_id", id),
	}, nil
}

// ID returns the deployment's correlation identifier — caller-supplied
// via DeploymentConfig.ID, or a random one minted at construction.
func (d *Deployment) ID() string {
	return d.id
}

// Name returns the deployment's unique name.
func (d *Deployment) Name() string {
	return d.name
}

// Model returns the ModelState tracking the given model on this
// deployment, or nil if the model isn't configured here.
func (d *Deployment) Model(name string) *ModelState {
	return d.models[name]
}

// Models returns the set of model names configured on this deployment.
func (d *Deployment) Models() []string {
	names := make([]string, 0, len(d.models))
	for name := range d.models {
		names = append(names, name)
	}
	return names
}

// estimatePreflightTokens sums the character length of message content
// and integer-divides by 4 — the heuristic spec.md §4.2 step 2 specifies.
// Non-string or missing content counts as 0.
func estimatePreflightTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
	}
	return total / 4
}

// Create performs one chat-completion request on this deployment,
// keeping its ModelState honest per spec.md §4.2.
func (d *Deployment) Create(ctx context.Context, req *ChatRequest) (*ChatResponse, ChunkStream, error) {
	model, ok := d.models[req.Model]
	if !ok {
		return nil, nil, newError(KindConfigError, d.name, req.Model, "model not configured for deployment", nil)
	}

	ctx, span := tracer.Start(ctx, "switchboard.deployment.create",
		trace.WithAttributes(
			attribute.String("deployment", d.name),
			attribute.String("deployment.id", d.id),
			attribute.String("model", req.Model),
			attribute.Bool("stream", req.Stream),
		),
	)
	defer span.End()

	pf := estimatePreflightTokens(req.Messages)
	model.SpendTokens(pf)
	model.SpendRequest()

	if req.Timeout <= 0 {
		req.Timeout = d.timeout.Seconds()
	}

	if req.Stream {
		if req.StreamOptions == nil {
			req.StreamOptions = &StreamOptions{IncludeUsage: true}
		}

		_, stream, err := d.upstream.Create(ctx, req)
		if err != nil {
			return nil, nil, d.fail(span, model, req.Model, err)
		}

		span.SetStatus(codes.Ok, "")
		return nil, newStreamWrapper(stream, model, pf, d.logger), nil
	}

	resp, _, err := d.upstream.Create(ctx, req)
	if err != nil {
		return nil, nil, d.fail(span, model, req.Model, err)
	}

	if resp.Usage != nil {
		model.SpendTokens(resp.Usage.TotalTokens - pf)
		span.SetAttributes(attribute.Int("gen_ai.usage.total_tokens", resp.Usage.TotalTokens))
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil, nil
}

// fail classifies an Upstream error, marks the model down where
// appropriate, and returns the *Error the caller sees. Cancellation
// propagates unchanged: no mark-down, no retry, preflight is not undone.
func (d *Deployment) fail(span trace.Span, model *ModelState, reqModel string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		span.SetStatus(codes.Error, "cancelled")
		return newError(KindCancelled, d.name, reqModel, "request cancelled", err)
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.ClientFault {
			span.SetStatus(codes.Error, "client fault")
			d.logger.Debug("client fault, not marking down", "model", reqModel, "error", err)
			return newError(KindClientFault, d.name, reqModel, "upstream rejected request", err)
		}
		if upErr.RateLimited {
			model.MarkDown(0)
			span.SetStatus(codes.Error, "rate limited")
			d.logger.Warn("hit rate limit, marking down", "model", reqModel)
			return newError(KindRateLimited, d.name, reqModel, "rate limit exceeded", err)
		}
	}

	model.MarkDown(0)
	span.SetStatus(codes.Error, "transient upstream error")
	d.logger.Error("marking down model for upstream error", "model", reqModel, "error", err)
	return newError(KindTransientUpstreamError, d.name, reqModel, "upstream request failed", err)
}
