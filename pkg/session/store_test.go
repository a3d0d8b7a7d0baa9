package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRegisterUUIDNonForcingNoOpOnConflict(t *testing.T) {
	st := NewStore()
	id := uuid.New()
	first := New(1, "a", zap.NewNop())
	second := New(2, "b", zap.NewNop())

	_, ok := st.RegisterUUID(id, first)
	assert.True(t, ok)

	existing, ok := st.RegisterUUID(id, second)
	assert.False(t, ok)
	assert.Same(t, first, existing)

	got, found := st.ByUUID(id)
	assert.True(t, found)
	assert.Same(t, first, got)
}

func TestForceRegisterUUIDReplacesAndReturnsPrevious(t *testing.T) {
	st := NewStore()
	id := uuid.New()
	oldSess := New(1, "a", zap.NewNop())
	newSess := New(2, "b", zap.NewNop())

	st.RegisterUUID(id, oldSess)
	previous := st.ForceRegisterUUID(id, newSess)

	assert.Same(t, oldSess, previous)
	got, ok := st.ByUUID(id)
	assert.True(t, ok)
	assert.Same(t, newSess, got)
	assert.Equal(t, 1, st.Count())
}

func TestUnregisterUUIDDoesNotClobberSuccessor(t *testing.T) {
	st := NewStore()
	id := uuid.New()
	oldSess := New(1, "a", zap.NewNop())
	newSess := New(2, "b", zap.NewNop())

	st.RegisterUUID(id, oldSess)
	st.ForceRegisterUUID(id, newSess)

	// oldSess's teardown path races to unregister itself; it must not
	// remove newSess's entry.
	st.UnregisterUUID(id, oldSess)

	got, ok := st.ByUUID(id)
	assert.True(t, ok)
	assert.Same(t, newSess, got)
}

func TestHandleLifecycle(t *testing.T) {
	st := NewStore()
	handle := new(int)
	sess := New(1, "a", zap.NewNop())

	st.RegisterHandle(handle, sess)
	got, ok := st.ByHandle(handle)
	assert.True(t, ok)
	assert.Same(t, sess, got)

	st.UnregisterHandle(handle)
	_, ok = st.ByHandle(handle)
	assert.False(t, ok)
}
