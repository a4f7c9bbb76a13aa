package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/terrapin-io/terrapin/internal/ir"
	"github.com/terrapin-io/terrapin/internal/logging"
	"github.com/terrapin-io/terrapin/internal/provider"
)

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry *provider.Registry

	// Parallelism bounds how many actions of one layer run concurrently.
	// Zero means DefaultParallelism.
	Parallelism int
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
	}
}

// replaceOnChange is the update-vs-replace policy table. Kinds marked true
// cannot be reconciled in place: any non-tag attribute change is expressed
// as a replacement pair (create the successor first, then destroy the old
// instance). Tag-only changes always update in place.
var replaceOnChange = map[string]bool{
	ir.KindNetwork:        true,
	ir.KindIdentityRole:   true,
	ir.KindSecurityPolicy: false,
	ir.KindRegistry:       false,
	ir.KindComputeService: false,
}

// CreatePlan generates an execution plan by diffing the desired graph
// against the last-applied state. Creates and updates come first, in
// topological order; destroys follow, in reverse topological order, so no
// live resource ever references a destroyed one.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources))

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}

	resources := ExpandIterations(cfg.Resources)

	for _, res := range resources {
		if !ir.ValidKind(res.Kind) {
			return nil, fmt.Errorf("resource %s: unknown kind %q", res.Name, res.Kind)
		}
	}

	graph, err := BuildGraph(resources)
	if err != nil {
		return nil, err
	}

	configByAddr := make(map[string]*ir.Resource, len(resources))
	for _, res := range resources {
		configByAddr[res.Addr()] = res
	}

	changesByAddr := make(map[string]*ir.ResourceChange)

	for _, addr := range graph.CreationOrder() {
		res := configByAddr[addr]
		desired := normalizeValue(res.Attributes).(map[string]any)

		prior := state.Entry(addr)
		if prior == nil {
			changesByAddr[addr] = &ir.ResourceChange{
				Address: addr,
				Action:  ir.ActionCreate,
				Desired: res,
				Diff:    buildCreateDiff(desired),
			}
			plan.Summary.Create++
			continue
		}

		if prior.AttributesHash != "" && prior.AttributesHash == HashAttributes(desired) {
			plan.Summary.NoOp++
			continue
		}

		diff := diffAttributes(prior.Attributes, desired)
		if len(diff) == 0 {
			plan.Summary.NoOp++
			continue
		}

		if res.Lifecycle != nil && len(res.Lifecycle.IgnoreChanges) > 0 {
			diff = filterIgnoredChanges(diff, res.Lifecycle.IgnoreChanges)
			if len(diff) == 0 {
				plan.Summary.NoOp++
				continue
			}
		}

		action := ir.ActionUpdate
		if replaceOnChange[res.Kind] && !tagOnlyChange(diff) {
			action = ir.ActionReplace
		}

		if err := enforceLifecycle(res, action, addr); err != nil {
			return nil, err
		}

		changesByAddr[addr] = &ir.ResourceChange{
			Address: addr,
			Action:  action,
			Desired: res,
			Prior:   prior,
			Diff:    diff,
		}
		if action == ir.ActionReplace {
			plan.Summary.Replace++
		} else {
			plan.Summary.Update++
		}
	}

	if err := cascadeReplacements(graph, configByAddr, state, changesByAddr, plan.Summary); err != nil {
		return nil, err
	}

	for _, addr := range graph.CreationOrder() {
		if change, ok := changesByAddr[addr]; ok {
			plan.Changes = append(plan.Changes, change)
		}
	}

	deletes, err := e.planDeletes(state, configByAddr)
	if err != nil {
		return nil, err
	}
	plan.Changes = append(plan.Changes, deletes...)
	plan.Summary.Delete += len(deletes)

	return plan, nil
}

// cascadeReplacements re-points consumers of replaced resources. A REPLACE
// hands out a new id, so every resource whose attributes reference the
// replaced address must be written again even when its own declaration is
// unchanged, sequenced after the successor exists and before the predecessor
// is destroyed. The re-point follows the consumer's own replacement policy.
// Creation order visits producers before consumers, so one pass settles
// transitive cascades.
func cascadeReplacements(graph *Graph, configByAddr map[string]*ir.Resource, state *ir.State, changes map[string]*ir.ResourceChange, summary *ir.PlanSummary) error {
	replaced := make(map[string]bool)
	for addr, change := range changes {
		if change.Action == ir.ActionReplace {
			replaced[addr] = true
		}
	}
	if len(replaced) == 0 {
		return nil
	}

	for _, addr := range graph.CreationOrder() {
		res := configByAddr[addr]
		refDiff := replacedRefDiff(res.Attributes, replaced)
		if len(refDiff) == 0 {
			continue
		}

		action := ir.ActionUpdate
		if replaceOnChange[res.Kind] {
			action = ir.ActionReplace
		}

		if existing, ok := changes[addr]; ok {
			// CREATE and REPLACE already write the resource with freshly
			// resolved references.
			if existing.Action == ir.ActionCreate || existing.Action == ir.ActionReplace {
				continue
			}
			if action == ir.ActionReplace {
				if err := enforceLifecycle(res, action, addr); err != nil {
					return err
				}
				existing.Action = ir.ActionReplace
				replaced[addr] = true
				summary.Update--
				summary.Replace++
			}
			continue
		}

		if err := enforceLifecycle(res, action, addr); err != nil {
			return err
		}
		changes[addr] = &ir.ResourceChange{
			Address: addr,
			Action:  action,
			Desired: res,
			Prior:   state.Entry(addr),
			Diff:    refDiff,
		}
		summary.NoOp--
		if action == ir.ActionReplace {
			replaced[addr] = true
			summary.Replace++
		} else {
			summary.Update++
		}
	}
	return nil
}

// replacedRefDiff returns update entries for every top-level attribute whose
// value references one of the replaced addresses.
func replacedRefDiff(attrs map[string]any, replaced map[string]bool) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)
	for key, value := range attrs {
		for _, ref := range ExtractRefs(value) {
			if replaced[RefAddr(ref)] {
				diff[key] = &ir.AttributeDiff{Before: value, After: value, Action: "update"}
				break
			}
		}
	}
	return diff
}

// CreateDestroyPlan generates a full-teardown plan: every state entry is
// deleted, dependents before their dependencies.
func (e *Engine) CreateDestroyPlan(ctx context.Context, state *ir.State) (*ir.Plan, error) {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
	}

	deletes, err := e.planDeletes(state, nil)
	if err != nil {
		return nil, err
	}
	plan.Changes = deletes
	plan.Summary.Delete = len(deletes)
	return plan, nil
}

// planDeletes returns DELETE changes for every state entry absent from the
// desired graph, in reverse topological order of the recorded dependencies.
func (e *Engine) planDeletes(state *ir.State, configByAddr map[string]*ir.Resource) ([]*ir.ResourceChange, error) {
	if len(state.Resources) == 0 {
		return nil, nil
	}

	stateGraph, err := BuildGraphFromState(state.Resources)
	if err != nil {
		return nil, err
	}

	var deletes []*ir.ResourceChange
	for _, addr := range stateGraph.DestructionOrder() {
		if _, stillDesired := configByAddr[addr]; stillDesired {
			continue
		}
		prior := state.Entry(addr)
		deletes = append(deletes, &ir.ResourceChange{
			Address: addr,
			Action:  ir.ActionDelete,
			Prior:   prior,
			Diff:    buildDeleteDiff(prior.Attributes),
		})
	}
	return deletes, nil
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action string, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}
	if res.Lifecycle.PreventDestroy && (action == ir.ActionDelete || action == ir.ActionReplace) {
		return fmt.Errorf("resource %s has preventDestroy set but plan requires destruction", addr)
	}
	return nil
}

// filterIgnoredChanges drops diff entries for ignored attribute names.
func filterIgnoredChanges(diff map[string]*ir.AttributeDiff, ignore []string) map[string]*ir.AttributeDiff {
	ignoreSet := make(map[string]bool, len(ignore))
	for _, attr := range ignore {
		ignoreSet[attr] = true
	}

	filtered := make(map[string]*ir.AttributeDiff)
	for k, d := range diff {
		if !ignoreSet[k] {
			filtered[k] = d
		}
	}
	return filtered
}

// tagOnlyChange reports whether every changed attribute is the tags map.
func tagOnlyChange(diff map[string]*ir.AttributeDiff) bool {
	for k := range diff {
		if k != "tags" {
			return false
		}
	}
	return len(diff) > 0
}

// diffAttributes compares prior and desired attributes key by key.
// References are compared unresolved, so a run that changes nothing in the
// declarations produces no diff even when referenced outputs exist.
func diffAttributes(prior, desired map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.AttributeDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.AttributeDiff{Before: priorVal, Action: "delete"}
		case fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.AttributeDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(attrs map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(attrs))
	for k, v := range attrs {
		diff[k] = &ir.AttributeDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(attrs map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(attrs))
	for k, v := range attrs {
		diff[k] = &ir.AttributeDiff{Before: v, Action: "delete"}
	}
	return diff
}

// HashAttributes returns a stable hash of an attribute map. json.Marshal
// sorts map keys, which makes the encoding canonical enough for change
// detection.
func HashAttributes(attrs map[string]any) string {
	raw, err := json.Marshal(normalizeValue(attrs))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// normalizeValue rewrites map[any]any keys (as produced by the Pkl
// evaluator) into map[string]any so the rest of the engine sees one shape.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		return val
	}
}
