package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapin-io/terrapin/internal/ir"
)

func TestBuildGraph_NoDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindNetwork, Name: "a", Provider: "mem"},
		{Kind: ir.KindNetwork, Name: "b", Provider: "mem"},
		{Kind: ir.KindNetwork, Name: "c", Provider: "mem"},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	order := graph.CreationOrder()
	assert.Len(t, order, 3)

	// Independent resources all land in one layer.
	require.Len(t, graph.Layers(), 1)
	assert.Len(t, graph.Layers()[0], 3)
}

func TestBuildGraph_ExplicitDependsOn(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindRegistry, Name: "a", Provider: "mem", DependsOn: []string{"registry.b"}},
		{Kind: ir.KindRegistry, Name: "b", Provider: "mem"},
		{Kind: ir.KindRegistry, Name: "c", Provider: "mem", DependsOn: []string{"registry.a"}},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	order := graph.CreationOrder()
	require.Len(t, order, 3)

	posB := indexOf(order, "registry.b")
	posA := indexOf(order, "registry.a")
	posC := indexOf(order, "registry.c")

	assert.Less(t, posB, posA, "b should come before a")
	assert.Less(t, posA, posC, "a should come before c")
}

func TestBuildGraph_ImplicitRef(t *testing.T) {
	resources := []*ir.Resource{
		{
			Kind:     ir.KindSecurityPolicy,
			Name:     "web",
			Provider: "mem",
			Attributes: map[string]any{
				"networkId": "ref://network/core/id",
			},
		},
		{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	order := graph.CreationOrder()
	require.Len(t, order, 2)

	posNet := indexOf(order, "network.core")
	posPolicy := indexOf(order, "security-policy.web")
	assert.Less(t, posNet, posPolicy, "network should be created before the policy referencing it")
}

func TestBuildGraph_FiveResourceStack(t *testing.T) {
	// network <- security-policy <- compute-service, which also consumes the
	// registry and the identity role.
	resources := []*ir.Resource{
		{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
		{
			Kind: ir.KindSecurityPolicy, Name: "web", Provider: "mem",
			Attributes: map[string]any{"networkId": "ref://network/core/id"},
		},
		{Kind: ir.KindIdentityRole, Name: "runner", Provider: "mem"},
		{Kind: ir.KindRegistry, Name: "images", Provider: "mem"},
		{
			Kind: ir.KindComputeService, Name: "api", Provider: "mem",
			Attributes: map[string]any{
				"image":          "ref://registry/images/url",
				"securityGroups": []any{"ref://security-policy/web/id"},
			},
			DependsOn: []string{"identity-role.runner"},
		},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	order := graph.CreationOrder()
	require.Len(t, order, 5)

	assert.Less(t, indexOf(order, "network.core"), indexOf(order, "security-policy.web"))
	assert.Less(t, indexOf(order, "security-policy.web"), indexOf(order, "compute-service.api"))
	assert.Less(t, indexOf(order, "registry.images"), indexOf(order, "compute-service.api"))
	assert.Less(t, indexOf(order, "identity-role.runner"), indexOf(order, "compute-service.api"))

	// Layers: {network, identity-role, registry}, {security-policy}, {compute-service}.
	layers := graph.Layers()
	require.Len(t, layers, 3)
	assert.ElementsMatch(t, []string{"network.core", "identity-role.runner", "registry.images"}, layers[0])
	assert.Equal(t, []string{"security-policy.web"}, layers[1])
	assert.Equal(t, []string{"compute-service.api"}, layers[2])
}

func TestBuildGraph_Deterministic(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindNetwork, Name: "c", Provider: "mem"},
		{Kind: ir.KindNetwork, Name: "a", Provider: "mem"},
		{Kind: ir.KindNetwork, Name: "b", Provider: "mem"},
	}

	first, err := BuildGraph(resources)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		graph, err := BuildGraph(resources)
		require.NoError(t, err)
		assert.Equal(t, first.CreationOrder(), graph.CreationOrder())
	}

	// Ties break by declaration order, not name order.
	assert.Equal(t, []string{"network.c", "network.a", "network.b"}, first.CreationOrder())
}

func TestBuildGraph_DuplicateAddress(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
		{Kind: ir.KindNetwork, Name: "core", Provider: "aws"},
	}

	_, err := BuildGraph(resources)
	require.Error(t, err)

	var dup *DuplicateResourceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "network.core", dup.Address)
	assert.True(t, IsGraphError(err))
}

func TestBuildGraph_UndeclaredReference(t *testing.T) {
	t.Run("dependsOn", func(t *testing.T) {
		resources := []*ir.Resource{
			{Kind: ir.KindNetwork, Name: "a", Provider: "mem", DependsOn: []string{"network.ghost"}},
		}

		_, err := BuildGraph(resources)
		var undeclared *UndeclaredReferenceError
		require.ErrorAs(t, err, &undeclared)
		assert.Equal(t, "network.a", undeclared.Address)
		assert.Equal(t, "network.ghost", undeclared.Reference)
		assert.True(t, IsGraphError(err))
	})

	t.Run("attribute ref", func(t *testing.T) {
		resources := []*ir.Resource{
			{
				Kind: ir.KindComputeService, Name: "api", Provider: "mem",
				Attributes: map[string]any{"image": "ref://registry/ghost/url"},
			},
		}

		_, err := BuildGraph(resources)
		var undeclared *UndeclaredReferenceError
		require.ErrorAs(t, err, &undeclared)
		assert.Equal(t, "registry.ghost", undeclared.Reference)
	})
}

func TestBuildGraph_CycleDetection(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindNetwork, Name: "a", Provider: "mem", DependsOn: []string{"network.b"}},
		{Kind: ir.KindNetwork, Name: "b", Provider: "mem", DependsOn: []string{"network.a"}},
		{Kind: ir.KindNetwork, Name: "standalone", Provider: "mem"},
	}

	_, err := BuildGraph(resources)
	require.Error(t, err)

	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.ElementsMatch(t, []string{"network.a", "network.b"}, cyclic.Members)
	assert.NotContains(t, cyclic.Members, "network.standalone")
	assert.True(t, IsGraphError(err))
}

func TestBuildGraph_DestructionOrder(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindSecurityPolicy, Name: "web", Provider: "mem", DependsOn: []string{"network.core"}},
		{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	revOrder := graph.DestructionOrder()
	require.Len(t, revOrder, 2)

	posPolicy := indexOf(revOrder, "security-policy.web")
	posNet := indexOf(revOrder, "network.core")
	assert.Less(t, posPolicy, posNet, "dependent should be destroyed before its dependency")
}

func TestBuildGraphFromState_IgnoresDepartedDependencies(t *testing.T) {
	entries := []*ir.ResourceState{
		{Kind: ir.KindComputeService, Name: "api", Provider: "mem", Dependencies: []string{"network.gone", "registry.images"}},
		{Kind: ir.KindRegistry, Name: "images", Provider: "mem"},
	}

	graph, err := BuildGraphFromState(entries)
	require.NoError(t, err)

	order := graph.DestructionOrder()
	require.Len(t, order, 2)
	assert.Less(t, indexOf(order, "compute-service.api"), indexOf(order, "registry.images"))
}

func TestRefAddr(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"ref://network/core/id", "network.core"},
		{"ref://registry/images/url", "registry.images"},
		{"not-a-ref", ""},
		{"ref://short", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, RefAddr(tt.ref))
		})
	}
}

func TestRefOutput(t *testing.T) {
	assert.Equal(t, "id", RefOutput("ref://network/core/id"))
	assert.Equal(t, "arn", RefOutput("ref://identity-role/runner/arn"))
	assert.Equal(t, "", RefOutput("plain"))
}

func TestExtractRefs(t *testing.T) {
	attrs := map[string]any{
		"networkId": "ref://network/core/id",
		"name":      "web",
		"tags": map[string]any{
			"role": "ref://identity-role/runner/arn",
		},
		"list": []any{
			"ref://registry/images/url",
			"plain-string",
		},
	}

	refs := ExtractRefs(attrs)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, "ref://network/core/id")
	assert.Contains(t, refs, "ref://identity-role/runner/arn")
	assert.Contains(t, refs, "ref://registry/images/url")
}

func TestDependencies(t *testing.T) {
	resources := []*ir.Resource{
		{Kind: ir.KindComputeService, Name: "api", Provider: "mem", DependsOn: []string{"network.core", "registry.images"}},
		{Kind: ir.KindNetwork, Name: "core", Provider: "mem"},
		{Kind: ir.KindRegistry, Name: "images", Provider: "mem"},
	}

	graph, err := BuildGraph(resources)
	require.NoError(t, err)

	deps := graph.Dependencies("compute-service.api")
	assert.Len(t, deps, 2)
	assert.Contains(t, deps, "network.core")
	assert.Contains(t, deps, "registry.images")
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
