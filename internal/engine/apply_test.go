package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapin-io/terrapin/internal/ir"
	"github.com/terrapin-io/terrapin/internal/provider"
	"github.com/terrapin-io/terrapin/internal/state"
	"github.com/terrapin-io/terrapin/providers/mem"
)

func newApplyFixture(t *testing.T) (*Engine, *mem.Provider, *state.MemStore) {
	t.Helper()
	memProv := mem.New()
	reg := provider.NewRegistry()
	reg.Register("mem", memProv)
	return NewEngine(reg), memProv, state.NewMemStore()
}

func stackConfig() *ir.Config {
	return &ir.Config{
		Resources: []*ir.Resource{
			{
				Kind: ir.KindNetwork, Name: "core", Provider: "mem",
				Attributes: map[string]any{"cidrBlock": "10.0.0.0/16"},
			},
			{
				Kind: ir.KindSecurityPolicy, Name: "web", Provider: "mem",
				Attributes: map[string]any{"networkId": "ref://network/core/id"},
			},
			{
				Kind: ir.KindComputeService, Name: "api", Provider: "mem",
				Attributes: map[string]any{"securityGroups": []any{"ref://security-policy/web/id"}},
			},
		},
	}
}

func TestApplyPlan_CreatePropagatesReferences(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	plan, err := eng.CreatePlan(ctx, stackConfig(), &ir.State{})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 3)

	result, err := eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)
	applied, failed, notAttempted := result.Counts()
	assert.Equal(t, 3, applied)
	assert.Zero(t, failed)
	assert.Zero(t, notAttempted)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Resources, 3)

	network := snapshot.Entry("network.core")
	require.NotNil(t, network)
	policy := snapshot.Entry("security-policy.web")
	require.NotNil(t, policy)

	// The provider saw the resolved network id; state keeps the reference
	// unresolved so future diffs stay stable.
	assert.Equal(t, network.ID, policy.Outputs["networkId"])
	assert.Equal(t, "ref://network/core/id", policy.Attributes["networkId"])
	assert.True(t, memProv.Exists(network.ID))

	// Dependencies were recorded for later destroys.
	assert.Equal(t, []string{"network.core"}, policy.Dependencies)
}

func TestApplyPlan_SecondRunIsNoOp(t *testing.T) {
	eng, _, store := newApplyFixture(t)
	ctx := context.Background()
	cfg := stackConfig()

	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	plan, err = eng.CreatePlan(ctx, cfg, snapshot)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Equal(t, 3, plan.Summary.NoOp)
}

func TestApplyPlan_FailureHaltsDependents(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	memProv.FailOnCreate("security-policy.web", errors.New("permission denied"))

	plan, err := eng.CreatePlan(ctx, stackConfig(), &ir.State{})
	require.NoError(t, err)

	result, err := eng.ApplyPlan(ctx, plan, store)
	require.Error(t, err)
	require.NotNil(t, result)

	byAddr := make(map[string]ActionResult)
	for _, res := range result.Results {
		byAddr[res.Address] = res
	}
	assert.Equal(t, StatusApplied, byAddr["network.core"].Status)
	assert.Equal(t, StatusFailed, byAddr["security-policy.web"].Status)
	assert.Equal(t, StatusNotAttempted, byAddr["compute-service.api"].Status)

	var actionErr *ProviderActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "security-policy.web", actionErr.Address)

	// Only the applied action reached state.
	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot.Resources, 1)
	assert.NotNil(t, snapshot.Entry("network.core"))

	// A re-run picks up exactly where this one stopped.
	memProv.FailOnCreate("security-policy.web", nil)
	plan, err = eng.CreatePlan(ctx, stackConfig(), snapshot)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, 1, plan.Summary.NoOp)

	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)
	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Resources, 3)
}

func TestApplyPlan_FailureDoesNotCancelSiblings(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	// Three independent resources share one layer; one of them fails.
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Kind: ir.KindNetwork, Name: "a", Provider: "mem"},
			{Kind: ir.KindNetwork, Name: "b", Provider: "mem"},
			{Kind: ir.KindNetwork, Name: "c", Provider: "mem"},
		},
	}
	memProv.FailOnCreate("network.b", errors.New("quota exceeded"))

	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)

	result, err := eng.ApplyPlan(ctx, plan, store)
	require.Error(t, err)

	applied, failed, notAttempted := result.Counts()
	assert.Equal(t, 2, applied)
	assert.Equal(t, 1, failed)
	assert.Zero(t, notAttempted)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Resources, 2)
}

func TestApplyPlan_Replace(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Kind: ir.KindNetwork, Name: "core", Provider: "mem",
				Attributes: map[string]any{"cidrBlock": "10.0.0.0/16"},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	oldID := snapshot.Entry("network.core").ID

	cfg.Resources[0].Attributes["cidrBlock"] = "10.1.0.0/16"
	plan, err = eng.CreatePlan(ctx, cfg, snapshot)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, ir.ActionReplace, plan.Changes[0].Action)

	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	newID := snapshot.Entry("network.core").ID
	assert.NotEqual(t, oldID, newID)
	assert.False(t, memProv.Exists(oldID), "predecessor should be destroyed")
	assert.True(t, memProv.Exists(newID))

	// Successor is created before the predecessor is destroyed.
	calls := memProv.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "create", calls[0].Op)
	assert.Equal(t, "create", calls[1].Op)
	assert.Equal(t, "destroy", calls[2].Op)
	assert.Equal(t, oldID, calls[2].ID)
}

// Replacing a producer re-points every consumer holding its id: the
// consumer is updated with the successor's outputs before the predecessor
// is destroyed, even though the consumer's own declaration never changed.
func TestApplyPlan_ReplaceCascadesToConsumers(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := stackConfig()
	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	oldNetID := snapshot.Entry("network.core").ID

	cfg.Resources[0].Attributes["cidrBlock"] = "10.1.0.0/16"
	plan, err = eng.CreatePlan(ctx, cfg, snapshot)
	require.NoError(t, err)

	actions := make(map[string]string)
	for _, change := range plan.Changes {
		actions[change.Address] = change.Action
	}
	assert.Equal(t, ir.ActionReplace, actions["network.core"])
	assert.Equal(t, ir.ActionUpdate, actions["security-policy.web"])
	// The policy updates in place, so its id is stable and the service
	// referencing it stays untouched.
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, 1, plan.Summary.Replace)
	assert.Equal(t, 1, plan.Summary.Update)
	assert.Equal(t, 1, plan.Summary.NoOp)

	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	newNetID := snapshot.Entry("network.core").ID
	require.NotEqual(t, oldNetID, newNetID)
	assert.Equal(t, newNetID, snapshot.Entry("security-policy.web").Outputs["networkId"])
	assert.False(t, memProv.Exists(oldNetID))
	assert.True(t, memProv.Exists(newNetID))

	// The consumer was re-pointed before the predecessor went away.
	var updateIdx, destroyIdx int
	for i, call := range memProv.Calls() {
		switch {
		case call.Op == "update" && call.Kind == ir.KindSecurityPolicy:
			updateIdx = i
		case call.Op == "destroy" && call.ID == oldNetID:
			destroyIdx = i
		}
	}
	assert.Less(t, updateIdx, destroyIdx)
}

// When a consumer cannot be re-pointed, the replaced instance stays alive:
// destroying it would leave the consumer referencing a vanished resource.
func TestApplyPlan_ReplaceKeepsPredecessorWhenRepointFails(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := stackConfig()
	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	oldNetID := snapshot.Entry("network.core").ID
	policyID := snapshot.Entry("security-policy.web").ID
	memProv.FailOnUpdate(policyID, errors.New("api unavailable"))

	cfg.Resources[0].Attributes["cidrBlock"] = "10.1.0.0/16"
	plan, err = eng.CreatePlan(ctx, cfg, snapshot)
	require.NoError(t, err)

	result, err := eng.ApplyPlan(ctx, plan, store)
	require.Error(t, err)

	byAddr := make(map[string]ActionResult)
	for _, res := range result.Results {
		byAddr[res.Address] = res
	}
	assert.Equal(t, StatusApplied, byAddr["network.core"].Status)
	assert.Equal(t, StatusFailed, byAddr["security-policy.web"].Status)

	// Successor exists, predecessor survived, consumer still points at it.
	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldNetID, snapshot.Entry("network.core").ID)
	assert.True(t, memProv.Exists(oldNetID))
	assert.Equal(t, oldNetID, snapshot.Entry("security-policy.web").Outputs["networkId"])
}

func TestApplyPlan_DestroyReverseOrder(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	plan, err := eng.CreatePlan(ctx, stackConfig(), &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	destroyPlan, err := eng.CreateDestroyPlan(ctx, snapshot)
	require.NoError(t, err)
	require.Len(t, destroyPlan.Changes, 3)

	_, err = eng.ApplyPlan(ctx, destroyPlan, store)
	require.NoError(t, err)

	var destroyed []string
	for _, call := range memProv.Calls() {
		if call.Op == "destroy" {
			destroyed = append(destroyed, call.Kind+"."+call.Name)
		}
	}
	require.Len(t, destroyed, 3)
	assert.Less(t, indexOf(destroyed, "compute-service.api"), indexOf(destroyed, "security-policy.web"))
	assert.Less(t, indexOf(destroyed, "security-policy.web"), indexOf(destroyed, "network.core"))

	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Resources)
	assert.Zero(t, memProv.Len())
}

func TestApplyPlan_CommitsResolvedOutputs(t *testing.T) {
	eng, _, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := stackConfig()
	cfg.Outputs = map[string]any{
		"networkId": "ref://network/core/id",
		"static":    "fixed-value",
	}

	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	network := snapshot.Entry("network.core")
	require.NotNil(t, network)
	assert.Equal(t, network.ID, snapshot.Outputs["networkId"])
	assert.Equal(t, "fixed-value", snapshot.Outputs["static"])
}

func TestApplyPlan_UpdateKeepsID(t *testing.T) {
	eng, _, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Kind: ir.KindRegistry, Name: "images", Provider: "mem",
				Attributes: map[string]any{"scanOnPush": false},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	oldID := snapshot.Entry("registry.images").ID

	cfg.Resources[0].Attributes["scanOnPush"] = true
	plan, err = eng.CreatePlan(ctx, cfg, snapshot)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	require.Equal(t, ir.ActionUpdate, plan.Changes[0].Action)

	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldID, snapshot.Entry("registry.images").ID)
}

func TestApplyPlan_CancelledContextSkipsActions(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan, err := eng.CreatePlan(context.Background(), stackConfig(), &ir.State{})
	require.NoError(t, err)

	// Nothing was in flight, so nothing fails; every action is reported as
	// not attempted and no provider call is made.
	result, err := eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)
	applied, failed, notAttempted := result.Counts()
	assert.Zero(t, applied)
	assert.Zero(t, failed)
	assert.Equal(t, 3, notAttempted)
	assert.Empty(t, memProv.Calls())

	snapshot, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot.Resources)
}

func TestLayerChanges_PartialPlanOrdering(t *testing.T) {
	// Only the dependent changed; its dependency is absent from the plan, so
	// the single change forms one layer.
	changes := []*ir.ResourceChange{
		{
			Address: "security-policy.web",
			Action:  ir.ActionUpdate,
			Desired: &ir.Resource{
				Kind: ir.KindSecurityPolicy, Name: "web", Provider: "mem",
				Attributes: map[string]any{"networkId": "ref://network/core/id"},
			},
		},
	}

	layers := layerChanges(changes, false)
	require.Len(t, layers, 1)
	assert.Equal(t, "security-policy.web", layers[0][0].Address)
}

func TestDependencyAddrs(t *testing.T) {
	res := &ir.Resource{
		Kind: ir.KindComputeService, Name: "api", Provider: "mem",
		DependsOn: []string{"identity-role.runner", "network.core"},
		Attributes: map[string]any{
			"image":     "ref://registry/images/url",
			"networkId": "ref://network/core/id", // duplicate of dependsOn
		},
	}

	deps := dependencyAddrs(res)
	assert.ElementsMatch(t, []string{"identity-role.runner", "network.core", "registry.images"}, deps)
}

func TestVerifyState(t *testing.T) {
	eng, memProv, store := newApplyFixture(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
		},
	}
	plan, err := eng.CreatePlan(ctx, cfg, &ir.State{})
	require.NoError(t, err)
	_, err = eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.VerifyState(ctx, snapshot))

	// A resource deleted out of band is surfaced, never auto-healed.
	entry := snapshot.Entry("network.core")
	require.NoError(t, memProv.Destroy(ctx, entry.ID, entry.Kind))

	err = eng.VerifyState(ctx, snapshot)
	require.Error(t, err)
	var corruption *StateCorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, "network.core", corruption.Address)
}

func TestApplyPlan_EmitsEvents(t *testing.T) {
	eng, _, store := newApplyFixture(t)
	ctx := context.Background()

	plan, err := eng.CreatePlan(ctx, stackConfig(), &ir.State{})
	require.NoError(t, err)

	var mu sync.Mutex
	var events []ApplyEvent
	_, err = eng.ApplyPlanWithCallback(ctx, plan, store, func(event ApplyEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})
	require.NoError(t, err)

	// started + completed per action.
	assert.Len(t, events, 6)
	statuses := map[string]int{}
	for _, ev := range events {
		statuses[ev.Status]++
	}
	assert.Equal(t, 3, statuses["started"])
	assert.Equal(t, 3, statuses["completed"])
}

func TestActionResultCounts(t *testing.T) {
	result := &ApplyResult{
		Results: []ActionResult{
			{Status: StatusApplied},
			{Status: StatusApplied},
			{Status: StatusFailed, Err: fmt.Errorf("boom")},
			{Status: StatusNotAttempted},
		},
	}
	applied, failed, notAttempted := result.Counts()
	assert.Equal(t, 2, applied)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, notAttempted)
	assert.Error(t, result.Err())
}
