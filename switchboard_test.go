package switchboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitchboard(t *testing.T, cfg Config) *Switchboard {
	t.Helper()
	sb, err := New(cfg)
	require.NoError(t, err)
	return sb
}

func TestNew_RejectsEmptyDeployments(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigError))
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New(Config{
		Deployments: []DeploymentConfig{{Name: "a"}, {Name: "a"}},
		Upstreams:   map[string]Upstream{"a": &fakeUpstream{}},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigError))
}

func TestNew_RejectsMissingUpstream(t *testing.T) {
	_, err := New(Config{
		Deployments: []DeploymentConfig{{Name: "a"}},
		Upstreams:   map[string]Upstream{},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigError))
}

// S1 — basic completion, driven through the Switchboard facade.
func TestScenario_BasicCompletionThroughSwitchboard(t *testing.T) {
	upA := &fakeUpstream{calls: []fakeCall{{resp: usageResponse(30)}}}
	upB := &fakeUpstream{calls: []fakeCall{{resp: usageResponse(30)}}}

	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{
			{Name: "a", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 6}}},
			{Name: "b", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 6}}},
		},
		Upstreams: map[string]Upstream{"a": upA, "b": upB},
	})

	resp, stream, err := sb.Create(context.Background(), &ChatRequest{
		Model:    "gpt-4",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}, "")
	require.NoError(t, err)
	require.Nil(t, stream)
	require.NotNil(t, resp)

	stats := sb.Stats()
	total := stats["a"]["gpt-4"].RPMUsage + stats["b"]["gpt-4"].RPMUsage
	assert.Equal(t, int64(1), total)

	chosenStats := stats["a"]["gpt-4"]
	otherStats := stats["b"]["gpt-4"]
	if chosenStats.RPMUsage == 0 {
		chosenStats, otherStats = otherStats, chosenStats
	}
	assert.Equal(t, int64(1), chosenStats.RPMUsage)
	assert.Equal(t, int64(30), chosenStats.TPMUsage)
	assert.Equal(t, int64(0), otherStats.RPMUsage)
	assert.Equal(t, int64(0), otherStats.TPMUsage)
}

// S2 — distribution across three equally-provisioned deployments.
func TestScenario_Distribution(t *testing.T) {
	upstreams := map[string]Upstream{}
	deployments := make([]DeploymentConfig, 3)
	names := []string{"a", "b", "c"}
	for i, name := range names {
		calls := make([]fakeCall, 100)
		for j := range calls {
			calls[j] = fakeCall{resp: usageResponse(30)}
		}
		upstreams[name] = &fakeUpstream{calls: calls}
		deployments[i] = DeploymentConfig{
			Name:   name,
			Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1_000_000, RPMLimit: 1_000_000}},
		}
	}

	sb := newTestSwitchboard(t, Config{Deployments: deployments, Upstreams: upstreams})

	for i := 0; i < 100; i++ {
		_, _, err := sb.Create(context.Background(), &ChatRequest{
			Model:    "gpt-4",
			Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		}, "")
		require.NoError(t, err)
	}

	stats := sb.Stats()
	for _, name := range names {
		rpm := stats[name]["gpt-4"].RPMUsage
		assert.GreaterOrEqual(t, rpm, int64(25), "deployment %s", name)
		assert.LessOrEqual(t, rpm, int64(40), "deployment %s", name)
	}
}

// S3 — rate-limit failover: A fails with RateLimited, B serves the retry.
func TestScenario_RateLimitFailover(t *testing.T) {
	upA := &fakeUpstream{calls: []fakeCall{{err: rateLimitedErr()}}}
	upB := &fakeUpstream{calls: []fakeCall{{resp: usageResponse(30)}}}

	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{
			{Name: "a", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 6}}},
			{Name: "b", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 6}}},
		},
		Upstreams:   map[string]Upstream{"a": upA, "b": upB},
		Selector:    func(_ string, c []*Deployment) *Deployment { return deploymentNamed(c, "a") },
		MaxAttempts: 2,
	})

	resp, stream, err := sb.Create(context.Background(), &ChatRequest{Model: "gpt-4"}, "")
	require.NoError(t, err)
	require.Nil(t, stream)
	require.NotNil(t, resp)

	assert.False(t, sb.deployments["a"].Model("gpt-4").Healthy())
	assert.Equal(t, int64(1), sb.deployments["b"].Model("gpt-4").Snapshot().RPMUsage)
}

func deploymentNamed(candidates []*Deployment, name string) *Deployment {
	for _, d := range candidates {
		if d.Name() == name {
			return d
		}
	}
	return candidates[0]
}

// S4 — all down: the sole deployment is marked down, first attempt fails
// with NoEligibleDeployments and does not consume a retry.
func TestScenario_AllDown(t *testing.T) {
	up := &fakeUpstream{calls: []fakeCall{{resp: usageResponse(30)}}}
	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{
			{Name: "a", Models: []ModelConfig{{Name: "gpt-4", CooldownPeriod: time.Hour}}},
		},
		Upstreams: map[string]Upstream{"a": up},
	})
	sb.deployments["a"].Model("gpt-4").MarkDown(0)

	_, _, err := sb.Create(context.Background(), &ChatRequest{Model: "gpt-4"}, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNoEligibleDeployments))
	assert.Equal(t, 0, up.n)
}

// S5 — session stickiness and failover.
func TestScenario_SessionStickinessAndFailover(t *testing.T) {
	upA := &fakeUpstream{calls: []fakeCall{
		{resp: usageResponse(30)},
		{err: rateLimitedErr()},
	}}
	upB := &fakeUpstream{calls: []fakeCall{{resp: usageResponse(30)}}}

	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{
			{Name: "a", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 100}}},
			{Name: "b", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, RPMLimit: 100}}},
		},
		Upstreams: map[string]Upstream{"a": upA, "b": upB},
		Selector:  func(_ string, c []*Deployment) *Deployment { return deploymentNamed(c, "a") },
	})

	d, err := sb.SelectDeployment("gpt-4", "session-x")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Name())

	d, err = sb.SelectDeployment("gpt-4", "session-x")
	require.NoError(t, err)
	assert.Equal(t, "a", d.Name())

	_, _, err = sb.Create(context.Background(), &ChatRequest{Model: "gpt-4"}, "session-x")
	require.NoError(t, err)

	sb.deployments["a"].Model("gpt-4").MarkDown(0)

	d, err = sb.SelectDeployment("gpt-4", "session-x")
	require.NoError(t, err)
	assert.Equal(t, "b", d.Name())

	pinned, ok := sb.sessions.Get("session-x")
	require.True(t, ok)
	assert.Equal(t, "b", pinned)

	sb.deployments["a"].Model("gpt-4").MarkUp()
	d, err = sb.SelectDeployment("gpt-4", "session-x")
	require.NoError(t, err)
	assert.Equal(t, "b", d.Name(), "restoring A must not re-pin the session away from B")
}

// S6 — window reset.
func TestScenario_WindowReset(t *testing.T) {
	calls := make([]fakeCall, 10)
	for i := range calls {
		calls[i] = fakeCall{resp: usageResponse(30)}
	}
	up := &fakeUpstream{calls: calls}

	sb := newTestSwitchboard(t, Config{
		Deployments:     []DeploymentConfig{{Name: "a", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 10000, RPMLimit: 100}}}},
		Upstreams:       map[string]Upstream{"a": up},
		RatelimitWindow: 500 * time.Millisecond,
	})

	for i := 0; i < 10; i++ {
		_, _, err := sb.Create(context.Background(), &ChatRequest{Model: "gpt-4"}, "")
		require.NoError(t, err)
	}

	sb.Start()
	defer sb.Stop()

	time.Sleep(1 * time.Second)

	snap := sb.deployments["a"].Model("gpt-4").Snapshot()
	assert.Equal(t, int64(0), snap.TPMUsage)
	assert.Equal(t, int64(0), snap.RPMUsage)
}

func TestSwitchboard_StartStopIsIdempotent(t *testing.T) {
	sb := newTestSwitchboard(t, Config{
		Deployments:     []DeploymentConfig{{Name: "a", Models: []ModelConfig{{Name: "gpt-4"}}}},
		Upstreams:       map[string]Upstream{"a": &fakeUpstream{}},
		RatelimitWindow: time.Hour,
	})

	sb.Start()
	sb.Start()
	sb.Stop()
	sb.Stop()
}

func TestSwitchboard_ResetUsageLeavesCooldownUnchanged(t *testing.T) {
	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{{Name: "a", Models: []ModelConfig{{Name: "gpt-4", TPMLimit: 1000, CooldownPeriod: time.Hour}}}},
		Upstreams:   map[string]Upstream{"a": &fakeUpstream{}},
	})
	model := sb.deployments["a"].Model("gpt-4")
	model.SpendTokens(100)
	model.MarkDown(0)

	sb.ResetUsage()

	snap := model.Snapshot()
	assert.Equal(t, int64(0), snap.TPMUsage)
	assert.False(t, snap.Healthy)
}

func TestSwitchboard_ClientFaultIsNotRetried(t *testing.T) {
	upA := &fakeUpstream{calls: []fakeCall{{err: clientFaultErr()}}}
	sb := newTestSwitchboard(t, Config{
		Deployments: []DeploymentConfig{{Name: "a", Models: []ModelConfig{{Name: "gpt-4"}}}},
		Upstreams:   map[string]Upstream{"a": upA},
	})

	_, _, err := sb.Create(context.Background(), &ChatRequest{Model: "gpt-4"}, "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindClientFault))
	assert.Equal(t, 1, upA.n)
}
