package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEvaluator(t *testing.T) {
	// Evaluating a real document needs the pkl binary plus resolvable
	// schemas, which CI does not carry. Construction alone is covered here;
	// the state and CLI tests exercise the serialization side.
	e := NewEvaluator("/tmp/project")
	assert.NotNil(t, e)
	assert.Equal(t, "/tmp/project", e.projectDir)
}
