package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
)

func TestFileStore_LoadMissingYieldsEmptyState(t *testing.T) {
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.pkl")

	store := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	s, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, 0, s.Serial)
	assert.NotEmpty(t, s.Lineage)
	assert.Empty(t, s.Resources)
}

func TestFileStore_CommitWritesFile(t *testing.T) {
	os.Unsetenv(EncryptionKeyEnvVar)
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.pkl")

	store := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	ctx := context.Background()

	entry := &ir.ResourceState{
		Kind:           "network",
		Name:           "core",
		Provider:       "aws",
		ID:             "vpc-12345",
		Attributes:     map[string]any{"cidrBlock": "10.0.0.0/16"},
		AttributesHash: "hash123",
		Outputs:        map[string]any{"id": "vpc-12345"},
		Dependencies:   []string{},
	}
	require.NoError(t, store.Commit(ctx, entry))

	// The engine can't evaluate the generated Pkl here without the runtime,
	// so checking the serialized content stands in for a read-back.
	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `kind = "network"`)
	assert.Contains(t, string(content), `name = "core"`)
	assert.Contains(t, string(content), `id = "vpc-12345"`)
	assert.Contains(t, string(content), `attributesHash = "hash123"`)
	assert.Contains(t, string(content), `["cidrBlock"] = "10.0.0.0/16"`)
}

// A flushed document amends a schema shipped right next to it, so a fresh
// process (or another machine) can evaluate the file without any
// pre-installed module.
func TestFileStore_CommitShipsSchema(t *testing.T) {
	os.Unsetenv(EncryptionKeyEnvVar)
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.pkl")

	store := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	require.NoError(t, store.Commit(context.Background(), &ir.ResourceState{
		Kind: "network", Name: "core", Provider: "mem", ID: "1",
	}))

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `amends "State.pkl"`)

	schema, err := os.ReadFile(filepath.Join(tmpDir, "State.pkl"))
	require.NoError(t, err)
	assert.Contains(t, string(schema), "class ResourceState")
	assert.Contains(t, string(schema), "resources: Listing<ResourceState>")
}

func TestFileStore_SerialIncrementsPerWrite(t *testing.T) {
	os.Unsetenv(EncryptionKeyEnvVar)
	tmpDir := t.TempDir()
	store := NewFileStore(filepath.Join(tmpDir, "state.pkl"), eval.NewEvaluator(tmpDir))
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, &ir.ResourceState{Kind: "network", Name: "a", Provider: "mem", ID: "1"}))
	require.NoError(t, store.Commit(ctx, &ir.ResourceState{Kind: "network", Name: "b", Provider: "mem", ID: "2"}))

	s, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Serial)
}

func TestFileStore_RemoveDeletesEntry(t *testing.T) {
	os.Unsetenv(EncryptionKeyEnvVar)
	tmpDir := t.TempDir()
	store := NewFileStore(filepath.Join(tmpDir, "state.pkl"), eval.NewEvaluator(tmpDir))
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, &ir.ResourceState{Kind: "network", Name: "a", Provider: "mem", ID: "1"}))
	require.NoError(t, store.Remove(ctx, "network.a"))

	s, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Resources)
}

func TestSerializeState(t *testing.T) {
	s := &ir.State{
		Version: 1,
		Serial:  7,
		Lineage: "abc123",
		Outputs: map[string]any{"endpoint": "https://example.test"},
		Resources: []*ir.ResourceState{
			{
				Kind:           "compute-service",
				Name:           "api",
				Provider:       "aws",
				ID:             "prod/api",
				Attributes:     map[string]any{"desiredCount": 2},
				AttributesHash: "deadbeef",
				Outputs:        map[string]any{"id": "prod/api", "endpoint": "api.prod"},
				Dependencies:   []string{"network.core", "registry.images"},
			},
		},
	}

	text := SerializeState(s)
	assert.Contains(t, text, "serial = 7")
	assert.Contains(t, text, `lineage = "abc123"`)
	assert.Contains(t, text, `["endpoint"] = "https://example.test"`)
	assert.Contains(t, text, `kind = "compute-service"`)
	assert.Contains(t, text, `["desiredCount"] = 2`)
	assert.Contains(t, text, `"network.core"`)
	assert.Contains(t, text, `"registry.images"`)
}

func TestSerializePklValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", `"hello"`},
		{"bool", true, "true"},
		{"int", 42, "42"},
		{"whole float", float64(3), "3"},
		{"fraction", 2.5, "2.5"},
		{"nil", nil, "null"},
		{"empty map", map[string]any{}, "new {}"},
		{"empty list", []any{}, "new Listing {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serializePklValue(tt.in, 0))
		})
	}
}

func TestMemStore_CommitRemoveOutputs(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, &ir.ResourceState{Kind: "registry", Name: "images", Provider: "mem", ID: "r1"}))
	require.NoError(t, store.CommitOutputs(ctx, map[string]any{"url": "registry.local"}))

	s, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, s.Resources, 1)
	assert.Equal(t, "registry.local", s.Outputs["url"])

	// Commit with the same address upserts rather than duplicating.
	require.NoError(t, store.Commit(ctx, &ir.ResourceState{Kind: "registry", Name: "images", Provider: "mem", ID: "r2"}))
	s, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, s.Resources, 1)
	assert.Equal(t, "r2", s.Resources[0].ID)

	require.NoError(t, store.Remove(ctx, "registry.images"))
	s, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Resources)
}

func TestNewStore_Backends(t *testing.T) {
	tmpDir := t.TempDir()
	evaluator := eval.NewEvaluator(tmpDir)
	path := filepath.Join(tmpDir, "state.pkl")

	t.Run("default is local", func(t *testing.T) {
		store, err := NewStore(nil, path, evaluator)
		require.NoError(t, err)
		_, ok := store.(*FileStore)
		assert.True(t, ok)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := NewStore(&BackendConfig{Type: "etcd"}, path, evaluator)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown state backend")
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		_, err := NewStore(&BackendConfig{Type: "s3"}, path, evaluator)
		assert.Error(t, err)
	})
}
