package ir

// Plan represents a calculated execution plan. It is recomputed on every
// invocation and never persisted.
type Plan struct {
	Metadata *PlanMetadata     `pkl:"metadata"`
	Changes  []*ResourceChange `pkl:"changes"`
	Summary  *PlanSummary      `pkl:"summary"`
	Outputs  map[string]any    `pkl:"outputs"`
}

// Plan actions.
const (
	ActionCreate  = "CREATE"
	ActionUpdate  = "UPDATE"
	ActionReplace = "REPLACE"
	ActionDelete  = "DELETE"
	ActionNoOp    = "NOOP"
)

type PlanMetadata struct {
	Timestamp string `pkl:"timestamp"`
}

type ResourceChange struct {
	Address string                    `pkl:"address"`
	Action  string                    `pkl:"action"`
	Desired *Resource                 `pkl:"resource"`
	Prior   *ResourceState            `pkl:"prior"`
	Diff    map[string]*AttributeDiff `pkl:"diff"`
}

type AttributeDiff struct {
	Before any    `pkl:"before"`
	After  any    `pkl:"after"`
	Action string `pkl:"action"` // "create", "update", "delete"
}

type PlanSummary struct {
	Create  int `pkl:"create"`
	Update  int `pkl:"update"`
	Replace int `pkl:"replace"`
	Delete  int `pkl:"delete"`
	NoOp    int `pkl:"noop"`
}

// Empty reports whether the plan contains no changes.
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}
