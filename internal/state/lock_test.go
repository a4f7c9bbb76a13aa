package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrapin-io/terrapin/internal/eval"
)

func TestFileStore_LockUnlock(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewFileStore(filepath.Join(tmpDir, "state.pkl"), eval.NewEvaluator(tmpDir))

	require.NoError(t, store.Lock())
	assert.FileExists(t, filepath.Join(tmpDir, "state.pkl.lock"))

	require.NoError(t, store.Unlock())
	assert.NoFileExists(t, filepath.Join(tmpDir, "state.pkl.lock"))
}

func TestFileStore_LockHeldByAnotherProcess(t *testing.T) {
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.pkl")

	first := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	require.NoError(t, first.Lock())
	defer first.Unlock()

	second := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	err := second.Lock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")
}

func TestFileStore_StaleLockIsReclaimed(t *testing.T) {
	tmpDir := t.TempDir()
	statePath := filepath.Join(tmpDir, "state.pkl")
	lockPath := statePath + ".lock"

	require.NoError(t, os.WriteFile(lockPath, []byte("pid=999999\n"), 0644))
	old := time.Now().Add(-staleLockAge - time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	store := NewFileStore(statePath, eval.NewEvaluator(tmpDir))
	require.NoError(t, store.Lock())
	defer store.Unlock()
}

func TestFileStore_UnlockWithoutLockIsNoOp(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewFileStore(filepath.Join(tmpDir, "state.pkl"), eval.NewEvaluator(tmpDir))
	assert.NoError(t, store.Unlock())
}
