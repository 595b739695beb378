package switchboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/arini-ai/azure-switchboard")

// defaultMaxAttempts is the failover attempt budget (spec.md §4.6): the
// first attempt plus one retry on another deployment.
const defaultMaxAttempts = 2

// Config is the construction-time configuration for a Switchboard.
type Config struct {
	// Deployments must be non-empty with unique names.
	Deployments []DeploymentConfig
	// Upstreams supplies the opaque Upstream handle for each deployment by
	// name. Every entry in Deployments must have a matching key.
	Upstreams map[string]Upstream

	// Selector is the pluggable selection function; defaults to
	// TwoRandomChoices.
	Selector Selector
	// MaxAttempts bounds the failover retry loop; defaults to 2.
	MaxAttempts int
	// RatelimitWindow is the period between automatic usage resets. Zero
	// disables the reset ticker.
	RatelimitWindow time.Duration
	// MaxSessions bounds the SessionMap; defaults to 1024.
	MaxSessions int

	Logger *slog.Logger
}

// Switchboard is the public façade: it owns a fixed set of Deployments,
// runs the periodic usage-reset ticker, and performs selection plus
// failover retry for every Create call (spec.md §4.6).
type Switchboard struct {
	deployments map[string]*Deployment
	order       []*Deployment // stable iteration order for Stats
	sessions    *SessionMap
	selector    Selector
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	utilGauge      metric.Float64ObservableGauge
	healthyGauge   metric.Int64ObservableGauge
	failureCounter metric.Int64Counter
	requestCounter metric.Int64Counter
}

// New constructs a Switchboard from cfg. Fails with KindConfigError on an
// empty or duplicate-named deployment set, a deployment with no matching
// Upstream entry, or any per-deployment construction error.
func New(cfg Config) (*Switchboard, error) {
	if len(cfg.Deployments) == 0 {
		return nil, newError(KindConfigError, "", "", "at least one deployment is required", nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	selector := cfg.Selector
	if selector == nil {
		selector = TwoRandomChoices
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	deployments := make(map[string]*Deployment, len(cfg.Deployments))
	order := make([]*Deployment, 0, len(cfg.Deployments))
	for _, dc := range cfg.Deployments {
		if _, dup := deployments[dc.Name]; dup {
			return nil, newError(KindConfigError, dc.Name, "", "duplicate deployment name", nil)
		}
		up, ok := cfg.Upstreams[dc.Name]
		if !ok {
			return nil, newError(KindConfigError, dc.Name, "", "no upstream supplied for deployment", nil)
		}
		d, err := NewDeployment(dc, up, logger)
		if err != nil {
			return nil, err
		}
		deployments[dc.Name] = d
		order = append(order, d)
	}

	sb := &Switchboard{
		deployments: deployments,
		order:       order,
		sessions:    newSessionMap(cfg.MaxSessions),
		selector:    selector,
		maxAttempts: maxAttempts,
		window:      cfg.RatelimitWindow,
		logger:      logger,
	}

	if err := sb.initMetrics(); err != nil {
		return nil, newError(KindConfigError, "", "", "failed to register metric instruments", err)
	}

	return sb, nil
}

func (s *Switchboard) initMetrics() error {
	var err error

	s.utilGauge, err = meter.Float64ObservableGauge(
		"deployment.model.utilization",
		metric.WithDescription("current ModelState.Util() per deployment/model"),
	)
	if err != nil {
		return err
	}

	s.healthyGauge, err = meter.Int64ObservableGauge(
		"healthy_deployments",
		metric.WithDescription("count of deployments currently healthy for at least one model"),
	)
	if err != nil {
		return err
	}

	s.failureCounter, err = meter.Int64Counter(
		"deployment_failures",
		metric.WithDescription("categorized Deployment.Create failures, by kind"),
	)
	if err != nil {
		return err
	}

	s.requestCounter, err = meter.Int64Counter(
		"requests",
		metric.WithDescription("Switchboard.Create calls, by outcome"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(s.observeGauges, s.utilGauge, s.healthyGauge)
	return err
}

func (s *Switchboard) observeGauges(_ context.Context, o metric.Observer) error {
	healthyCount := int64(0)
	for _, d := range s.order {
		anyHealthy := false
		for _, name := range d.Models() {
			ms := d.Model(name)
			o.ObserveFloat64(s.utilGauge, ms.Util(),
				metric.WithAttributes(
					attribute.String("deployment", d.Name()),
					attribute.String("model", name),
				),
			)
			if ms.Healthy() {
				anyHealthy = true
			}
		}
		if anyHealthy {
			healthyCount++
		}
	}
	o.ObserveInt64(s.healthyGauge, healthyCount)
	return nil
}

// Start begins the periodic usage-reset ticker if RatelimitWindow > 0.
// Idempotent: calling Start on an already-started Switchboard is a no-op.
func (s *Switchboard) Start() {
	if s.window <= 0 {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.resetLoop(ctx)
}

func (s *Switchboard) resetLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ResetUsage()
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the reset ticker and waits for it to exit. Idempotent and
// safe to call even if Start was never called.
func (s *Switchboard) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// SelectDeployment implements spec.md §4.6's select_deployment: consult
// the session pin first, then fall back to the healthy-eligible set and
// the pluggable selector.
func (s *Switchboard) SelectDeployment(model, sessionID string) (*Deployment, error) {
	if sessionID != "" {
		if name, ok := s.sessions.Get(sessionID); ok {
			if d, ok := s.deployments[name]; ok {
				if ms := d.Model(model); ms != nil && ms.Healthy() {
					return d, nil
				}
			}
		}
	}

	eligible := make([]*Deployment, 0, len(s.order))
	for _, d := range s.order {
		if ms := d.Model(model); ms != nil && ms.Healthy() {
			eligible = append(eligible, d)
		}
	}

	if len(eligible) == 0 {
		return nil, newError(KindNoEligibleDeployments, "", model, "no healthy deployment serves this model", nil)
	}

	var chosen *Deployment
	if len(eligible) == 1 {
		chosen = eligible[0]
	} else {
		chosen = s.selector(model, eligible)
	}

	if sessionID != "" {
		s.sessions.Put(sessionID, chosen.Name())
	}

	return chosen, nil
}

// Create runs the failover retry loop of spec.md §4.6: select, attempt,
// and on a retryable failure re-select excluding whatever the failed
// attempt marked down.
func (s *Switchboard) Create(ctx context.Context, req *ChatRequest, sessionID string) (*ChatResponse, ChunkStream, error) {
	var lastErr error

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		d, err := s.SelectDeployment(req.Model, sessionID)
		if err != nil {
			s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "no_eligible_deployments")))
			return nil, nil, err
		}

		resp, stream, err := d.Create(ctx, req)
		if err == nil {
			s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
			return resp, stream, nil
		}

		lastErr = err
		kind := KindTransientUpstreamError
		if swErr, ok := err.(*Error); ok {
			kind = swErr.Kind
		}
		s.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("deployment", d.Name()),
			attribute.String("kind", string(kind)),
		))

		if !kind.Retryable() {
			s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(kind))))
			return nil, nil, err
		}

		s.logger.Warn("attempt failed, retrying", "deployment", d.Name(), "model", req.Model, "attempt", attempt+1, "error", err)
	}

	s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "exhausted")))
	return nil, nil, lastErr
}

// ResetUsage zeros every deployment's every ModelState counters. Cooldowns
// are untouched.
func (s *Switchboard) ResetUsage() {
	for _, d := range s.order {
		for _, name := range d.Models() {
			d.Model(name).ResetUsage()
		}
	}
}

// DeploymentStats snapshots one deployment's models by name.
type DeploymentStats map[string]Snapshot

// Stats returns a point-in-time snapshot of every deployment's every
// model (spec.md §4.6).
func (s *Switchboard) Stats() map[string]DeploymentStats {
	out := make(map[string]DeploymentStats, len(s.order))
	for _, d := range s.order {
		models := make(DeploymentStats, len(d.Models()))
		for _, name := range d.Models() {
			models[name] = d.Model(name).Snapshot()
		}
		out[d.Name()] = models
	}
	return out
}
