package vef

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeRunsCleanupsInReverse(t *testing.T) {
	var order []int
	s := NewScope()
	s.Defer(func() { order = append(order, 1) })
	s.Defer(func() { order = append(order, 2) })
	s.Close()
	assert.Equal(t, []int{2, 1}, order)

	// Close is idempotent.
	s.Close()
	assert.Len(t, order, 2)

	// Registering on a closed scope runs immediately.
	ran := false
	s.Defer(func() { ran = true })
	assert.True(t, ran)
}

func TestLocalGlobalLocksReadOnly(t *testing.T) {
	g := &LocalGlobalLocks{}
	rel, err := g.AcquireGlobalRead(context.Background())
	require.NoError(t, err)
	rel()

	g.ReadOnly = true
	_, err = g.AcquireGlobalRead(context.Background())
	assert.Error(t, err)
}

func TestLocalTxnHooks(t *testing.T) {
	h := NewLocalTxnHooks()
	committed, rolledBack := 0, 0
	h.OnCommit("t1", func() error { committed++; return nil })
	h.OnRollback("t1", func() { rolledBack++ })
	h.OnCommit("t2", func() error { committed += 10; return nil })

	require.NoError(t, h.FireCommit("t1"))
	assert.Equal(t, 1, committed)
	assert.Zero(t, rolledBack)

	h.FireRollback("t2")
	assert.Equal(t, 1, committed, "t2's commit hook was dropped by rollback")
}

func TestLocalFunctionRegistry(t *testing.T) {
	r := NewLocalFunctionRegistry("abs")
	require.NoError(t, r.Register("complex.complex_real", 1))
	assert.Error(t, r.Register("complex.complex_real", 2), "duplicate refused")
	assert.Error(t, r.Register("abs", 3), "built-in collision refused")
	assert.True(t, r.IsBuiltin("abs"))

	_, ok := r.Lookup("complex.complex_real")
	assert.True(t, ok)
	r.Unregister("complex.complex_real")
	_, ok = r.Lookup("complex.complex_real")
	assert.False(t, ok)
}
