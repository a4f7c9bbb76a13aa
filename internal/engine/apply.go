package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terrapin-io/terrapin/internal/ir"
	"github.com/terrapin-io/terrapin/internal/logging"
	"github.com/terrapin-io/terrapin/internal/provider"
	"github.com/terrapin-io/terrapin/internal/state"
)

// DefaultParallelism bounds concurrent actions within one layer.
const DefaultParallelism = 10

// Action outcome statuses. Every planned action ends in exactly one of
// these; the executor always reports the complete list, never a single
// pass/fail signal.
const (
	StatusApplied      = "applied"
	StatusFailed       = "failed"
	StatusNotAttempted = "not-attempted"
)

// ActionResult is the outcome of one planned action.
type ActionResult struct {
	Address  string
	Action   string
	Status   string
	Duration time.Duration
	Err      error
}

// ApplyResult collects per-action outcomes in plan order.
type ApplyResult struct {
	Results []ActionResult
}

// Counts returns how many actions were applied, failed, and not attempted.
func (r *ApplyResult) Counts() (applied, failed, notAttempted int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusApplied:
			applied++
		case StatusFailed:
			failed++
		case StatusNotAttempted:
			notAttempted++
		}
	}
	return
}

// Err returns the joined failures, or nil if every action applied.
func (r *ApplyResult) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan against the state store.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, store state.Store) (*ApplyResult, error) {
	return e.ApplyPlanWithCallback(ctx, plan, store, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
//
// Actions run layer by layer: every member of a layer is independent of the
// others, so a layer runs concurrently, bounded by Parallelism. The next
// layer starts only once the whole current layer has finished. A failure
// never cancels in-flight siblings, but no further layer is started, and
// every remaining action is reported as not attempted. Each success commits
// its state entry immediately, so re-running after a partial failure picks
// up exactly where this run stopped.
//
// Cancellation stops scheduling new actions; in-flight ones finish and
// their results are persisted, leaving the store resumable.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, store state.Store, callback ApplyCallback) (*ApplyResult, error) {
	snapshot, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	run := &applyRun{
		engine:   e,
		store:    store,
		callback: callback,
		outputs:  make(map[string]map[string]any),
		results:  make(map[string]*ActionResult),
	}
	for _, rs := range snapshot.Resources {
		run.outputs[rs.Addr()] = rs.Outputs
	}

	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == ir.ActionDelete {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	// Replacement runs create-side work first: successors are created and
	// consumers re-pointed before any replaced instance or deleted resource
	// is destroyed, so nothing live ever references a destroyed resource.
	run.execute(ctx, layerChanges(createUpdates, false))
	run.destroyPredecessors(ctx, createUpdates)
	run.execute(ctx, layerChanges(deletes, true))

	if !run.halted && ctx.Err() == nil && len(plan.Outputs) > 0 {
		resolved, err := run.resolveRefs(normalizeValue(plan.Outputs))
		if err != nil {
			logging.Warn("failed to resolve outputs", "error", err)
		} else if outputs, ok := resolved.(map[string]any); ok {
			if err := store.CommitOutputs(context.WithoutCancel(ctx), outputs); err != nil {
				logging.Warn("failed to commit outputs", "error", err)
			}
		}
	}

	result := &ApplyResult{}
	for _, change := range plan.Changes {
		if res, ok := run.results[change.Address]; ok {
			result.Results = append(result.Results, *res)
		}
	}
	return result, result.Err()
}

// applyRun carries the shared mutable pieces of one apply: committed
// outputs for reference resolution and per-action results. The state store
// itself serializes its writes; the mutex here only guards the run's maps.
type applyRun struct {
	engine   *Engine
	store    state.Store
	callback ApplyCallback

	mu      sync.Mutex
	outputs map[string]map[string]any
	results map[string]*ActionResult
	pending []pendingDestroy
	halted  bool
}

// pendingDestroy is a replaced instance awaiting destruction once every
// consumer has been re-pointed at its successor.
type pendingDestroy struct {
	address  string
	kind     string
	provName string
	priorID  string
}

func (r *applyRun) emit(event ApplyEvent) {
	if r.callback != nil {
		r.callback(event)
	}
}

// execute runs the given layers in order, stopping at the first layer
// boundary after a failure or cancellation.
func (r *applyRun) execute(ctx context.Context, layers [][]*ir.ResourceChange) {
	parallelism := r.engine.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	sem := make(chan struct{}, parallelism)

	for _, layer := range layers {
		if r.halted || ctx.Err() != nil {
			r.skip(layer)
			continue
		}

		var wg sync.WaitGroup
		for _, change := range layer {
			if ctx.Err() != nil {
				r.skip([]*ir.ResourceChange{change})
				continue
			}
			wg.Add(1)
			go func(c *ir.ResourceChange) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				r.applyChange(ctx, c)
			}(change)
		}
		wg.Wait()
	}
}

func (r *applyRun) skip(layer []*ir.ResourceChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, change := range layer {
		r.results[change.Address] = &ActionResult{
			Address: change.Address,
			Action:  change.Action,
			Status:  StatusNotAttempted,
		}
	}
}

func (r *applyRun) applyChange(ctx context.Context, change *ir.ResourceChange) {
	start := time.Now()
	r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})

	err := r.dispatch(ctx, change)

	duration := time.Since(start)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		actionErr := &ProviderActionError{Address: change.Address, Action: change.Action, Err: err}
		r.results[change.Address] = &ActionResult{
			Address:  change.Address,
			Action:   change.Action,
			Status:   StatusFailed,
			Duration: duration,
			Err:      actionErr,
		}
		r.halted = true
		r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: duration, Error: actionErr})
		return
	}
	r.results[change.Address] = &ActionResult{
		Address:  change.Address,
		Action:   change.Action,
		Status:   StatusApplied,
		Duration: duration,
	}
	r.emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: duration})
}

// dispatch performs the provider calls and the state commit for one action.
// Provider calls use a context detached from the run's cancellation so an
// in-flight action finishes and commits even when the user interrupts.
func (r *applyRun) dispatch(ctx context.Context, change *ir.ResourceChange) error {
	logging.Debug("applying change", "address", change.Address, "action", change.Action)

	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
	defer cancel()

	provName := ""
	if change.Desired != nil {
		provName = change.Desired.Provider
	} else if change.Prior != nil {
		provName = change.Prior.Provider
	}
	prov, err := r.engine.registry.Get(provName)
	if err != nil {
		return err
	}

	retryPolicy := DefaultRetryPolicy()

	switch change.Action {
	case ir.ActionCreate, ir.ActionUpdate, ir.ActionReplace:
		res := change.Desired
		attrs := normalizeValue(res.Attributes).(map[string]any)
		resolvedAny, err := r.resolveRefs(attrs)
		if err != nil {
			return err
		}
		resolved := resolvedAny.(map[string]any)

		var outputs map[string]any
		err = RetryWithBackoff(actionCtx, retryPolicy, func() error {
			var callErr error
			switch change.Action {
			case ir.ActionUpdate:
				outputs, callErr = prov.Update(actionCtx, change.Prior.ID, res.Kind, resolved)
			default:
				// REPLACE creates the successor before the old instance
				// is destroyed below.
				outputs, callErr = prov.Create(actionCtx, res.Kind, res.Name, resolved)
			}
			return callErr
		}, IsTransientError)
		if err != nil {
			return err
		}

		id, _ := outputs[provider.IDOutput].(string)
		if id == "" && change.Prior != nil {
			id = change.Prior.ID
		}

		entry := &ir.ResourceState{
			Kind:           res.Kind,
			Name:           res.Name,
			Provider:       res.Provider,
			ID:             id,
			Attributes:     attrs,
			AttributesHash: HashAttributes(attrs),
			Outputs:        outputs,
			Dependencies:   dependencyAddrs(res),
		}
		if err := r.store.Commit(actionCtx, entry); err != nil {
			return fmt.Errorf("failed to commit state: %w", err)
		}

		r.mu.Lock()
		r.outputs[change.Address] = outputs
		r.mu.Unlock()

		if change.Action == ir.ActionReplace && change.Prior != nil && change.Prior.ID != "" && change.Prior.ID != id {
			// Consumers still hold the old id until their own layers run, so
			// the predecessor is destroyed only after every create/update
			// layer has finished.
			r.mu.Lock()
			r.pending = append(r.pending, pendingDestroy{
				address:  change.Address,
				kind:     res.Kind,
				provName: res.Provider,
				priorID:  change.Prior.ID,
			})
			r.mu.Unlock()
		}
		return nil

	case ir.ActionDelete:
		prior := change.Prior
		if prior.ID != "" {
			err := RetryWithBackoff(actionCtx, retryPolicy, func() error {
				return prov.Destroy(actionCtx, prior.ID, prior.Kind)
			}, IsTransientError)
			if err != nil {
				return err
			}
		}
		if err := r.store.Remove(actionCtx, change.Address); err != nil {
			return fmt.Errorf("failed to remove state entry: %w", err)
		}
		r.mu.Lock()
		delete(r.outputs, change.Address)
		r.mu.Unlock()
		return nil
	}

	return fmt.Errorf("unknown plan action: %s", change.Action)
}

// destroyPredecessors removes replaced instances. A predecessor is destroyed
// only when every consumer referencing it was re-pointed at the successor;
// otherwise it is left alive, because the consumer's remote configuration
// still holds its id.
func (r *applyRun) destroyPredecessors(ctx context.Context, changes []*ir.ResourceChange) {
	retryPolicy := DefaultRetryPolicy()

	for _, pd := range r.pending {
		if !r.consumersApplied(pd.address, changes) {
			logging.Warn("leaving replaced instance in place: dependents were not re-pointed",
				"address", pd.address, "id", pd.priorID)
			continue
		}

		prov, err := r.engine.registry.Get(pd.provName)
		if err == nil {
			destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
			err = RetryWithBackoff(destroyCtx, retryPolicy, func() error {
				return prov.Destroy(destroyCtx, pd.priorID, pd.kind)
			}, IsTransientError)
			cancel()
		}
		if err != nil {
			actionErr := &ProviderActionError{
				Address: pd.address,
				Action:  ir.ActionReplace,
				Err:     fmt.Errorf("destroying replaced instance %s: %w", pd.priorID, err),
			}
			r.mu.Lock()
			if res := r.results[pd.address]; res != nil {
				res.Status = StatusFailed
				res.Err = actionErr
			}
			r.halted = true
			r.mu.Unlock()
			r.emit(ApplyEvent{Address: pd.address, Action: ir.ActionReplace, Status: "failed", Error: actionErr})
		}
	}
}

// consumersApplied reports whether every change referencing addr applied.
func (r *applyRun) consumersApplied(addr string, changes []*ir.ResourceChange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range changes {
		if c.Address == addr || c.Desired == nil {
			continue
		}
		references := false
		for _, ref := range ExtractRefs(c.Desired.Attributes) {
			if RefAddr(ref) == addr {
				references = true
				break
			}
		}
		if !references {
			continue
		}
		res := r.results[c.Address]
		if res == nil || res.Status != StatusApplied {
			return false
		}
	}
	return true
}

// resolveRefs substitutes every ref:// attribute with the referenced
// resource's committed output. The ordering invariant guarantees producers
// committed before their consumers run, so a miss is an internal error.
func (r *applyRun) resolveRefs(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !IsRef(val) {
			return val, nil
		}
		addr := RefAddr(val)
		output := RefOutput(val)
		r.mu.Lock()
		outputs, ok := r.outputs[addr]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("reference %s: no committed outputs for %s", val, addr)
		}
		resolved, ok := outputs[output]
		if !ok {
			return nil, fmt.Errorf("reference %s: resource %s has no output %q", val, addr, output)
		}
		return resolved, nil
	case map[string]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			resolved, err := r.resolveRefs(v)
			if err != nil {
				return nil, err
			}
			newMap[k] = resolved
		}
		return newMap, nil
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			resolved, err := r.resolveRefs(v)
			if err != nil {
				return nil, err
			}
			newSlice[i] = resolved
		}
		return newSlice, nil
	default:
		return v, nil
	}
}

// dependencyAddrs returns the addresses a resource depends on, recorded in
// state so destroys can be ordered long after the declaration is gone.
func dependencyAddrs(res *ir.Resource) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			deps = append(deps, addr)
		}
	}
	for _, dep := range res.DependsOn {
		add(dep)
	}
	for _, ref := range ExtractRefs(res.Attributes) {
		add(RefAddr(ref))
	}
	return deps
}

// layerChanges groups changes into dependency layers considering only
// dependencies between members of the set; dependencies on unchanged
// resources are already satisfied by committed state. With reverse=true
// the layering is inverted for destroys: dependents run before the
// resources they depend on.
func layerChanges(changes []*ir.ResourceChange, reverse bool) [][]*ir.ResourceChange {
	byAddr := make(map[string]*ir.ResourceChange, len(changes))
	for _, c := range changes {
		byAddr[c.Address] = c
	}

	deps := make(map[string][]string, len(changes))
	for _, c := range changes {
		var all []string
		if c.Desired != nil {
			all = dependencyAddrs(c.Desired)
		} else if c.Prior != nil {
			all = c.Prior.Dependencies
		}
		for _, dep := range all {
			if _, inSet := byAddr[dep]; !inSet {
				continue
			}
			if reverse {
				// Destroy the dependent before its dependency.
				deps[dep] = append(deps[dep], c.Address)
			} else {
				deps[c.Address] = append(deps[c.Address], dep)
			}
		}
	}

	var layers [][]*ir.ResourceChange
	emitted := make(map[string]bool, len(changes))
	for len(emitted) < len(changes) {
		var layer []*ir.ResourceChange
		for _, c := range changes {
			if emitted[c.Address] {
				continue
			}
			ready := true
			for _, dep := range deps[c.Address] {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, c)
			}
		}
		if len(layer) == 0 {
			// Unreachable for plans built from an acyclic graph; bail out
			// rather than loop forever on a malformed plan.
			var rest []*ir.ResourceChange
			for _, c := range changes {
				if !emitted[c.Address] {
					rest = append(rest, c)
				}
			}
			layers = append(layers, rest)
			break
		}
		for _, c := range layer {
			emitted[c.Address] = true
		}
		layers = append(layers, layer)
	}
	return layers
}
