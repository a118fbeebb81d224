package durableobject

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub_CallInvokesMethod(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterClass("Counter", func(state *State) Object { return &counter{state: state} })
	id := IDFromName("Counter", "rpc-test")

	stub := r.NewStub("Counter", id)
	result, err := stub.Call(context.Background(), "Increment", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, result)
}

func TestStub_CallUnknownMethod(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterClass("Counter", func(state *State) Object { return &counter{state: state} })
	id := IDFromName("Counter", "rpc-missing")

	stub := r.NewStub("Counter", id)
	_, err := stub.Call(context.Background(), "DoesNotExist")
	assert.Error(t, err)
}

func TestValidateCloneable_RejectsFunctions(t *testing.T) {
	err := validateCloneable(func() {})
	assert.Error(t, err)
}

func TestValidateCloneable_AcceptsPlainData(t *testing.T) {
	assert.NoError(t, validateCloneable(map[string]any{"a": 1, "b": []int{1, 2, 3}}))
}

func TestValidateCloneable_DetectsCycle(t *testing.T) {
	type node struct {
		next *node
	}
	n := &node{}
	n.next = n
	assert.Error(t, validateCloneable(n))
}
