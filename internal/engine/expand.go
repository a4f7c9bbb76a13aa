package engine

import (
	"fmt"
	"strings"

	"github.com/terrapin-io/terrapin/internal/ir"
)

// ExpandIterations expands resources declared with Count or ForEach into
// individual resources. Runs before graph construction so every expanded
// instance gets its own node.
func ExpandIterations(resources []*ir.Resource) []*ir.Resource {
	var expanded []*ir.Resource

	for _, res := range resources {
		switch {
		case res.Count > 0:
			for i := 0; i < res.Count; i++ {
				clone := cloneResource(res)
				clone.Name = fmt.Sprintf("%s[%d]", res.Name, i)
				clone.Attributes = substituteAll(clone.Attributes, map[string]string{
					"${count.index}": fmt.Sprintf("%d", i),
				})
				expanded = append(expanded, clone)
			}
		case len(res.ForEach) > 0:
			for key, val := range res.ForEach {
				clone := cloneResource(res)
				clone.Name = fmt.Sprintf("%s[%q]", res.Name, key)
				clone.Attributes = substituteAll(clone.Attributes, map[string]string{
					"${each.key}":   key,
					"${each.value}": fmt.Sprintf("%v", val),
				})
				expanded = append(expanded, clone)
			}
		default:
			expanded = append(expanded, res)
		}
	}

	return expanded
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Kind:     res.Kind,
		Name:     res.Name,
		Provider: res.Provider,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			PreventDestroy: res.Lifecycle.PreventDestroy,
			IgnoreChanges:  append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	clone.Attributes = deepCopyMap(res.Attributes)
	return clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any)
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		clone := make([]any, len(val))
		for i, item := range val {
			clone[i] = deepCopyValue(item)
		}
		return clone
	default:
		return v
	}
}

func substituteAll(attrs map[string]any, replacements map[string]string) map[string]any {
	result := make(map[string]any)
	for k, v := range attrs {
		result[k] = substituteValue(v, replacements)
	}
	return result
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		result := val
		for old, newVal := range replacements {
			result = strings.ReplaceAll(result, old, newVal)
		}
		return result
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = substituteValue(item, replacements)
		}
		return result
	default:
		return v
	}
}
