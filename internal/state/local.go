package state

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
)

// stateSchemaFile is the module name state documents amend, resolved
// relative to the document itself.
const stateSchemaFile = "State.pkl"

//go:embed State.pkl
var stateSchema []byte

// writeStateSchema materializes the schema next to a state document so its
// amends clause resolves in any process, on any machine.
func writeStateSchema(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	schemaPath := filepath.Join(dir, stateSchemaFile)
	if existing, err := os.ReadFile(schemaPath); err == nil && string(existing) == string(stateSchema) {
		return nil
	}
	if err := os.WriteFile(schemaPath, stateSchema, 0644); err != nil {
		return fmt.Errorf("failed to write state schema: %w", err)
	}
	return nil
}

// FileStore persists state as a Pkl document on the local filesystem.
// Every Commit/Remove rewrites the file through a temp-file rename, so a
// crash never leaves a torn document.
type FileStore struct {
	path      string
	evaluator *eval.Evaluator

	mu     sync.Mutex
	cached *ir.State
}

func NewFileStore(path string, evaluator *eval.Evaluator) *FileStore {
	return &FileStore{
		path:      path,
		evaluator: evaluator,
	}
}

// Load reads the state from the configured path. Encrypted files are
// transparently decrypted before evaluation. A missing file yields an
// empty state.
func (f *FileStore) Load(ctx context.Context) (*ir.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return cloneState(f.cached), nil
}

func (f *FileStore) Commit(ctx context.Context, entry *ir.ResourceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	upsert(f.cached, entry)
	return f.flush()
}

func (f *FileStore) Remove(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	remove(f.cached, addr)
	return f.flush()
}

func (f *FileStore) CommitOutputs(ctx context.Context, outputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	f.cached.Outputs = outputs
	return f.flush()
}

func (f *FileStore) ensureLoaded(ctx context.Context) error {
	if f.cached != nil {
		return nil
	}

	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		f.cached = &ir.State{Version: 1, Serial: 0, Lineage: newLineage()}
		return nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read state file %s: %w", f.path, err)
	}

	if err := writeStateSchema(filepath.Dir(f.path)); err != nil {
		return err
	}

	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return fmt.Errorf("failed to decrypt state: %w", err)
		}
		// The Pkl evaluator reads files, not byte slices.
		tmpFile := f.path + ".dec"
		if err := os.WriteFile(tmpFile, decrypted, 0600); err != nil {
			return fmt.Errorf("failed to write decrypted state: %w", err)
		}
		defer os.Remove(tmpFile)

		state, err := f.evaluator.LoadState(ctx, tmpFile)
		if err != nil {
			return fmt.Errorf("failed to load decrypted state: %w", err)
		}
		f.cached = state
		return nil
	}

	state, err := f.evaluator.LoadState(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to load state from %s: %w", f.path, err)
	}
	f.cached = state
	return nil
}

// flush serializes the cached state and atomically replaces the file.
func (f *FileStore) flush() error {
	if err := writeStateSchema(filepath.Dir(f.path)); err != nil {
		return err
	}

	f.cached.Serial++
	content := []byte(SerializeState(f.cached))

	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", f.path, err)
	}
	return nil
}

func newLineage() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// SerializeState converts a State to its Pkl text representation.
func SerializeState(state *ir.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "// Terrapin state file\n")
	fmt.Fprintf(&b, "amends %q\n\n", stateSchemaFile)
	fmt.Fprintf(&b, "version = %d\n", state.Version)
	fmt.Fprintf(&b, "serial = %d\n", state.Serial)
	fmt.Fprintf(&b, "lineage = %q\n\n", state.Lineage)

	if len(state.Outputs) > 0 {
		fmt.Fprintf(&b, "outputs {\n")
		for k, v := range state.Outputs {
			fmt.Fprintf(&b, "  [%q] = %s\n", k, serializePklValue(v, 1))
		}
		fmt.Fprintf(&b, "}\n\n")
	} else {
		fmt.Fprintf(&b, "outputs = new {}\n\n")
	}

	fmt.Fprintf(&b, "resources {\n")
	for _, res := range state.Resources {
		fmt.Fprintf(&b, "  new {\n")
		fmt.Fprintf(&b, "    kind = %q\n", res.Kind)
		fmt.Fprintf(&b, "    name = %q\n", res.Name)
		fmt.Fprintf(&b, "    provider = %q\n", res.Provider)
		fmt.Fprintf(&b, "    id = %q\n", res.ID)

		if len(res.Attributes) > 0 {
			fmt.Fprintf(&b, "    attributes {\n")
			for k, v := range res.Attributes {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(v, 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    attributes = new {}\n")
		}

		fmt.Fprintf(&b, "    attributesHash = %q\n", res.AttributesHash)

		if len(res.Outputs) > 0 {
			fmt.Fprintf(&b, "    outputs {\n")
			for k, v := range res.Outputs {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(v, 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    outputs = new {}\n")
		}

		if len(res.Dependencies) > 0 {
			fmt.Fprintf(&b, "    dependencies {\n")
			for _, dep := range res.Dependencies {
				fmt.Fprintf(&b, "      %q\n", dep)
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    dependencies = new Listing {}\n")
		}

		fmt.Fprintf(&b, "  }\n")
	}
	fmt.Fprintf(&b, "}\n")

	return b.String()
}

// serializePklValue recursively serializes a Go value to Pkl syntax.
func serializePklValue(v any, indentLevel int) string {
	indent := strings.Repeat("  ", indentLevel)

	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case nil:
		return "null"
	case map[string]any:
		if len(val) == 0 {
			return "new {}"
		}
		var b strings.Builder
		b.WriteString("new {\n")
		for k, v := range val {
			b.WriteString(fmt.Sprintf("%s  [%q] = %s\n", indent, k, serializePklValue(v, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case map[any]any:
		if len(val) == 0 {
			return "new {}"
		}
		var b strings.Builder
		b.WriteString("new {\n")
		for k, v := range val {
			b.WriteString(fmt.Sprintf("%s  [%q] = %s\n", indent, fmt.Sprintf("%v", k), serializePklValue(v, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case []any:
		if len(val) == 0 {
			return "new Listing {}"
		}
		var b strings.Builder
		b.WriteString("new Listing {\n")
		for _, v := range val {
			b.WriteString(fmt.Sprintf("%s  %s\n", indent, serializePklValue(v, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", val))
	}
}
