package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(ConditionHandler{})
	r.Register(TransformHandler{})

	h, err := r.Lookup("condition")
	require.NoError(t, err)
	assert.Equal(t, "condition", h.Kind())

	_, err = r.Lookup("unknown_type")
	assert.Error(t, err)
}
