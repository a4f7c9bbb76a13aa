package engine

import (
	"strings"

	"github.com/terrapin-io/terrapin/internal/ir"
)

// Graph is the directed acyclic dependency graph of resources: nodes are
// resources, edges are references from consumers to producers.
type Graph struct {
	nodes     map[string]*graphNode
	declOrder []string   // addresses in declaration order (tie-break)
	order     []string   // topological order (creation order)
	revOrder  []string   // reverse topological order (destruction order)
	layers    [][]string // topological layers; members of a layer are independent
}

type graphNode struct {
	addr     string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildGraph constructs the dependency graph from a declaration set.
// It resolves both explicit dependsOn entries and implicit ref:// references
// in attributes. It fails with DuplicateResourceError when two declarations
// share an address, UndeclaredReferenceError when a reference targets a
// resource outside the declaration set, and CyclicDependencyError when no
// valid ordering exists. All three are detected here, before any remote call.
func BuildGraph(resources []*ir.Resource) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*graphNode),
	}

	for _, res := range resources {
		addr := res.Addr()
		if _, exists := g.nodes[addr]; exists {
			return nil, &DuplicateResourceError{Address: addr}
		}
		g.nodes[addr] = &graphNode{addr: addr}
		g.declOrder = append(g.declOrder, addr)
	}

	for _, res := range resources {
		addr := res.Addr()
		node := g.nodes[addr]

		for _, dep := range res.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UndeclaredReferenceError{Address: addr, Reference: dep}
			}
			node.edges = append(node.edges, dep)
		}

		for _, ref := range ExtractRefs(res.Attributes) {
			depAddr := RefAddr(ref)
			if depAddr == "" {
				continue
			}
			if _, ok := g.nodes[depAddr]; !ok {
				return nil, &UndeclaredReferenceError{Address: addr, Reference: depAddr}
			}
			node.edges = append(node.edges, depAddr)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildGraphFromState constructs a dependency graph from state entries, for
// planning destroys. Recorded dependencies that have already left the state
// are ignored; they cannot constrain ordering anymore.
func BuildGraphFromState(resources []*ir.ResourceState) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*graphNode),
	}

	for _, rs := range resources {
		addr := rs.Addr()
		if _, exists := g.nodes[addr]; exists {
			return nil, &DuplicateResourceError{Address: addr}
		}
		g.nodes[addr] = &graphNode{addr: addr}
		g.declOrder = append(g.declOrder, addr)
	}

	for _, rs := range resources {
		node := g.nodes[rs.Addr()]
		for _, dep := range rs.Dependencies {
			if _, ok := g.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// sort runs Kahn's algorithm layer by layer. Within a layer, nodes keep
// declaration order, so identical input always yields identical ordering.
func (g *Graph) sort() error {
	for _, node := range g.nodes {
		for _, dep := range node.edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, node.addr)
		}
	}

	inDegree := make(map[string]int, len(g.nodes))
	for addr, node := range g.nodes {
		inDegree[addr] = len(node.edges)
	}

	emitted := make(map[string]bool, len(g.nodes))
	for len(g.order) < len(g.nodes) {
		var layer []string
		for _, addr := range g.declOrder {
			if !emitted[addr] && inDegree[addr] == 0 {
				layer = append(layer, addr)
			}
		}
		if len(layer) == 0 {
			var members []string
			for _, addr := range g.declOrder {
				if !emitted[addr] {
					members = append(members, addr)
				}
			}
			return &CyclicDependencyError{Members: members}
		}
		for _, addr := range layer {
			emitted[addr] = true
			g.order = append(g.order, addr)
			for _, dependent := range g.nodes[addr].revEdges {
				inDegree[dependent]--
			}
		}
		g.layers = append(g.layers, layer)
	}

	g.revOrder = make([]string, len(g.order))
	for i, addr := range g.order {
		g.revOrder[len(g.order)-1-i] = addr
	}
	return nil
}

// CreationOrder returns addresses in dependency-respecting creation order.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder returns addresses in reverse dependency order, safe for
// teardown: dependents before their dependencies.
func (g *Graph) DestructionOrder() []string {
	return g.revOrder
}

// Layers returns the topological layering. Every resource's dependencies
// live in strictly earlier layers, so all members of one layer may be
// applied concurrently.
func (g *Graph) Layers() [][]string {
	return g.layers
}

// Dependencies returns the direct dependencies of addr.
func (g *Graph) Dependencies(addr string) []string {
	if node, ok := g.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// refScheme prefixes attribute values that reference another resource's
// output: ref://<kind>/<name>/<output>.
const refScheme = "ref://"

// IsRef reports whether v is a reference attribute value.
func IsRef(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, refScheme)
}

// ExtractRefs collects all ref:// strings inside an attribute value.
func ExtractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, ExtractRefs(v)...)
		}
	}
	return refs
}

// RefAddr converts a reference to the producing resource's address.
// ref://network/core/id -> network.core
func RefAddr(ref string) string {
	kind, name, _ := splitRef(ref)
	if kind == "" || name == "" {
		return ""
	}
	return kind + "." + name
}

// RefOutput returns the output attribute a reference consumes.
// ref://network/core/id -> id
func RefOutput(ref string) string {
	_, _, output := splitRef(ref)
	return output
}

func splitRef(ref string) (kind, name, output string) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", "", ""
	}
	parts := strings.SplitN(ref[len(refScheme):], "/", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}
