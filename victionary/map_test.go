package victionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/villagesql/vef"
)

func newColumn(db, table, col, ext, ver, typ string) *Column {
	return NewColumn(NewColumnKey(db, table, col, vef.CasePreserve), ext, ver, typ)
}

func colKey(db, table, col string) string {
	return NewColumnKey(db, table, col, vef.CasePreserve).Str()
}

func TestPendingOpsVisibility(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	txn := vef.Txn("t1")
	e := newColumn("db1", "t", "c", "ext", "1.0.0", "COMPLEX")

	m.MarkForInsertion(txn, e)
	got, ok := m.Get(txn, e.EntryKey())
	require.True(t, ok)
	assert.Same(t, e, got)
	_, ok = m.GetCommitted(e.EntryKey())
	assert.False(t, ok)

	m.Commit(txn)
	got, ok = m.Get(txn, e.EntryKey())
	require.True(t, ok)
	assert.Same(t, e, got)
	got, ok = m.GetCommitted(e.EntryKey())
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestRollbackDiscardsPending(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	txn := vef.Txn("t1")
	e := newColumn("db1", "t", "c", "ext", "1.0.0", "COMPLEX")

	m.MarkForInsertion(txn, e)
	m.Rollback(txn)
	_, ok := m.Get(txn, e.EntryKey())
	assert.False(t, ok)
	_, ok = m.GetCommitted(e.EntryKey())
	assert.False(t, ok)
}

func TestPerKeyOpOrdering(t *testing.T) {
	t.Run("insert update update", func(t *testing.T) {
		m := NewMap[*Column]("columns", zap.NewNop())
		txn := vef.Txn("t1")
		v1 := newColumn("db", "t", "c", "ext", "1.0.0", "A")
		v2 := newColumn("db", "t", "c", "ext", "1.0.0", "B")
		v3 := newColumn("db", "t", "c", "ext", "1.0.0", "C")
		m.MarkForInsertion(txn, v1)
		m.MarkForUpdate(txn, v2, v1)
		m.MarkForUpdate(txn, v3, v2)
		m.Commit(txn)
		got, ok := m.GetCommitted(v3.EntryKey())
		require.True(t, ok)
		assert.Equal(t, "C", got.TypeName)
	})

	t.Run("insert delete insert", func(t *testing.T) {
		m := NewMap[*Column]("columns", zap.NewNop())
		txn := vef.Txn("t1")
		v1 := newColumn("db", "t", "c", "ext", "1.0.0", "A")
		v2 := newColumn("db", "t", "c", "ext", "1.0.0", "B")
		m.MarkForInsertion(txn, v1)
		m.MarkForDeletion(txn, v1)
		m.MarkForInsertion(txn, v2)

		// Before commit, the most recent op wins.
		got, ok := m.Get(txn, v2.EntryKey())
		require.True(t, ok)
		assert.Equal(t, "B", got.TypeName)

		m.Commit(txn)
		got, ok = m.GetCommitted(v2.EntryKey())
		require.True(t, ok)
		assert.Equal(t, "B", got.TypeName)
	})

	t.Run("insert update delete", func(t *testing.T) {
		m := NewMap[*Column]("columns", zap.NewNop())
		txn := vef.Txn("t1")
		v1 := newColumn("db", "t", "c", "ext", "1.0.0", "A")
		v2 := newColumn("db", "t", "c", "ext", "1.0.0", "B")
		m.MarkForInsertion(txn, v1)
		m.MarkForUpdate(txn, v2, v1)
		m.MarkForDeletion(txn, v2)
		m.Commit(txn)
		_, ok := m.GetCommitted(v2.EntryKey())
		assert.False(t, ok)
	})
}

func TestUpdateWithKeyChange(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	setup := vef.Txn("setup")
	old := newColumn("db", "t", "c_old", "ext", "1.0.0", "A")
	m.MarkForInsertion(setup, old)
	m.Commit(setup)

	txn := vef.Txn("t1")
	renamed := newColumn("db", "t", "c_new", "ext", "1.0.0", "A")
	m.MarkForUpdate(txn, renamed, old)

	// The old key is gone and the new one visible within the transaction.
	_, ok := m.Get(txn, old.EntryKey())
	assert.False(t, ok)
	got, ok := m.Get(txn, renamed.EntryKey())
	require.True(t, ok)
	assert.Same(t, renamed, got)

	// Other transactions still see the old committed state.
	_, ok = m.GetCommitted(old.EntryKey())
	assert.True(t, ok)

	m.Commit(txn)
	_, ok = m.GetCommitted(old.EntryKey())
	assert.False(t, ok)
	_, ok = m.GetCommitted(renamed.EntryKey())
	assert.True(t, ok)
}

func TestCrossKeyIndependence(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	setup := vef.Txn("setup")
	b := newColumn("db", "t", "b", "ext", "1.0.0", "B")
	m.MarkForInsertion(setup, b)
	m.Commit(setup)

	txn := vef.Txn("t1")
	a := newColumn("db", "t", "a", "ext", "1.0.0", "A")
	m.MarkForInsertion(txn, a)
	m.MarkForDeletion(txn, a)

	got, ok := m.Get(txn, b.EntryKey())
	require.True(t, ok)
	assert.Same(t, b, got)
	_, ok = m.GetCommitted(b.EntryKey())
	assert.True(t, ok)
}

func TestTransactionIsolation(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	t1, t2 := vef.Txn("t1"), vef.Txn("t2")
	e := newColumn("db", "t", "c", "ext", "1.0.0", "A")

	m.MarkForInsertion(t1, e)
	_, ok := m.Get(t2, e.EntryKey())
	assert.False(t, ok, "pending ops of t1 are invisible to t2")
	_, ok = m.GetCommitted(e.EntryKey())
	assert.False(t, ok)

	m.Commit(t1)
	_, ok = m.Get(t2, e.EntryKey())
	assert.True(t, ok)
}

func TestPrefixScan(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	txn := vef.Txn("setup")
	c1 := newColumn("db1", "t1", "a", "ext", "1.0.0", "A")
	c2 := newColumn("db1", "t1", "b", "ext", "1.0.0", "B")
	c3 := newColumn("db1", "t2", "a", "ext", "1.0.0", "C")
	c4 := newColumn("db2", "t1", "a", "ext", "1.0.0", "D")
	for _, c := range []*Column{c1, c2, c3, c4} {
		m.MarkForInsertion(txn, c)
	}
	m.Commit(txn)

	p := NewColumnPrefix("db1", "t1", vef.CasePreserve)
	got := m.PrefixCommitted(p.Str())
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key.Column())
	assert.Equal(t, "b", got[1].Key.Column())

	assert.True(t, m.HasPrefixCommitted(p.Str()))
	assert.False(t, m.HasPrefixCommitted(NewColumnPrefix("db3", "t1", vef.CasePreserve).Str()))

	// A table whose name extends another's must not match its prefix.
	c5 := newColumn("db1", "t11", "a", "ext", "1.0.0", "E")
	txn2 := vef.Txn("setup2")
	m.MarkForInsertion(txn2, c5)
	m.Commit(txn2)
	assert.Len(t, m.PrefixCommitted(p.Str()), 2)
}

func TestAcquireKeepsEntryAlive(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	txn := vef.Txn("setup")
	e := newColumn("db", "t", "c", "ext", "1.0.0", "A")
	m.MarkForInsertion(txn, e)
	m.Commit(txn)
	require.EqualValues(t, 1, e.UseCount())

	scope := vef.NewScope()
	got, ok := m.Acquire(e.EntryKey(), scope)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.EqualValues(t, 2, e.UseCount())

	// Dropping the entry from committed state does not invalidate the
	// acquired pointer.
	drop := vef.Txn("drop")
	m.MarkForDeletion(drop, e)
	m.Commit(drop)
	_, ok = m.GetCommitted(e.EntryKey())
	assert.False(t, ok)
	assert.Equal(t, "A", got.TypeName)
	assert.EqualValues(t, 1, e.UseCount())

	scope.Close()
	assert.EqualValues(t, 0, e.UseCount())
}

func TestAcquireOrCreate(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	scope := vef.NewScope()
	e := newColumn("db", "t", "c", "ext", "1.0.0", "A")

	got, err := m.AcquireOrCreate(e.EntryKey(), scope, func() (*Column, error) { return e, nil })
	require.NoError(t, err)
	assert.Same(t, e, got)
	assert.EqualValues(t, 2, e.UseCount())

	// Second acquisition reuses the committed entry.
	again, err := m.AcquireOrCreate(e.EntryKey(), scope, func() (*Column, error) {
		t.Fatal("factory must not run for an existing key")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, e, again)
	assert.EqualValues(t, 3, e.UseCount())

	scope.Close()
	assert.EqualValues(t, 1, e.UseCount())
}

func TestClearReleasesOwnership(t *testing.T) {
	m := NewMap[*Column]("columns", zap.NewNop())
	txn := vef.Txn("setup")
	e := newColumn("db", "t", "c", "ext", "1.0.0", "A")
	m.MarkForInsertion(txn, e)
	m.Commit(txn)
	m.Clear()
	assert.Zero(t, m.Len())
	assert.EqualValues(t, 0, e.UseCount())
}
