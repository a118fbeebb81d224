package durableobject

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDFromName_Deterministic(t *testing.T) {
	a := IDFromName("Counter", "room-1")
	b := IDFromName("Counter", "room-1")
	assert.True(t, a.Equals(b))
	assert.Equal(t, a.String(), b.String())
}

func TestIDFromName_DiffersByClassAndName(t *testing.T) {
	a := IDFromName("Counter", "room-1")
	b := IDFromName("Counter", "room-2")
	c := IDFromName("Other", "room-1")
	assert.False(t, a.Equals(b))
	assert.False(t, a.Equals(c))
}

func TestNewUniqueID_Unique(t *testing.T) {
	a := NewUniqueID()
	b := NewUniqueID()
	assert.False(t, a.Equals(b))
}

func TestIDFromString_RoundTrips(t *testing.T) {
	orig := IDFromName("Counter", "x")
	restored := IDFromString(orig.String())
	assert.True(t, orig.Equals(restored))
}

func TestIDFromName_PreservesName(t *testing.T) {
	id := IDFromName("Counter", "room-1")
	assert.Equal(t, "room-1", id.Name())
}

func TestNewUniqueID_HasNoName(t *testing.T) {
	id := NewUniqueID()
	assert.Equal(t, "", id.Name())
}
