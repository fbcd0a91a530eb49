package victionary

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/villagesql/vef"
)

// opKind is a pending-operation discriminator.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// op is one pending intent of a transaction against a map. Operations
// append in order and replay in the same order at commit.
type op[E Entry] struct {
	kind opKind
	// key is the normalized target key: the new key for insert/update, the
	// removed key for delete.
	key string
	// entry is the payload for insert/update, and the doomed committed
	// entry for delete (preserved so persistence can reconstruct the row).
	entry E
	// old preserves the pre-update entry. Its key may differ from key when
	// the update renames.
	old    E
	oldKey string
}

// Map is one SystemTableMap: the committed state of one entry kind plus
// per-transaction pending operation lists. Persistent kinds carry a codec
// binding them to a system table; memory-only kinds have none.
//
// Maps do not lock. All access is gated by the Victionary's reader-writer
// lock; read methods call assertRead and mutating methods assertWrite,
// which the Victionary wires to its own lock bookkeeping.
type Map[E Entry] struct {
	name      string
	committed map[string]E
	pending   map[vef.Txn][]op[E]
	codec     *codec[E]
	log       *zap.Logger

	assertRead  func()
	assertWrite func()
}

// NewMap returns an empty memory-only map.
func NewMap[E Entry](name string, log *zap.Logger) *Map[E] {
	return &Map[E]{
		name:        name,
		committed:   make(map[string]E),
		pending:     make(map[vef.Txn][]op[E]),
		log:         log.Named(name),
		assertRead:  func() {},
		assertWrite: func() {},
	}
}

// NewPersistentMap returns an empty map backed by a system table.
func NewPersistentMap[E Entry](name string, c *codec[E], log *zap.Logger) *Map[E] {
	m := NewMap[E](name, log)
	m.codec = c
	return m
}

// Get returns the entry visible to txn: the most recent pending operation
// of txn touching key, else the committed entry.
func (m *Map[E]) Get(txn vef.Txn, key string) (E, bool) {
	m.assertRead()
	ops := m.pending[txn]
	for i := len(ops) - 1; i >= 0; i-- {
		o := ops[i]
		if o.key == key {
			switch o.kind {
			case opDelete:
				var zero E
				return zero, false
			default:
				return o.entry, true
			}
		}
		// An update that renamed away from key makes key absent.
		if o.kind == opUpdate && o.oldKey == key && o.oldKey != o.key {
			var zero E
			return zero, false
		}
	}
	return m.GetCommitted(key)
}

// GetCommitted returns the committed entry for key, ignoring all pending
// state.
func (m *Map[E]) GetCommitted(key string) (E, bool) {
	m.assertRead()
	e, ok := m.committed[key]
	return e, ok
}

// PrefixCommitted returns the committed entries whose key starts with the
// normalized prefix, in key order. Prefixes end in the component delimiter,
// so this equals the ordered range scan [p, p′).
func (m *Map[E]) PrefixCommitted(prefix string) []E {
	m.assertRead()
	var out []E
	for k, e := range m.committed {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryKey() < out[j].EntryKey() })
	return out
}

// HasPrefixCommitted reports whether any committed key starts with prefix.
func (m *Map[E]) HasPrefixCommitted(prefix string) bool {
	m.assertRead()
	for k := range m.committed {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// AllCommitted returns every committed entry in key order.
func (m *Map[E]) AllCommitted() []E {
	m.assertRead()
	out := make([]E, 0, len(m.committed))
	for _, e := range m.committed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryKey() < out[j].EntryKey() })
	return out
}

// Len returns the committed entry count.
func (m *Map[E]) Len() int {
	m.assertRead()
	return len(m.committed)
}

// MarkForInsertion appends a pending INSERT of e to txn.
func (m *Map[E]) MarkForInsertion(txn vef.Txn, e E) {
	m.assertWrite()
	m.pending[txn] = append(m.pending[txn], op[E]{kind: opInsert, key: e.EntryKey(), entry: e})
}

// MarkForUpdate appends a pending UPDATE replacing old with e. The keys may
// differ; commit erases the old key before inserting the new one.
func (m *Map[E]) MarkForUpdate(txn vef.Txn, e, old E) {
	m.assertWrite()
	m.pending[txn] = append(m.pending[txn], op[E]{
		kind:   opUpdate,
		key:    e.EntryKey(),
		entry:  e,
		old:    old,
		oldKey: old.EntryKey(),
	})
}

// MarkForDeletion appends a pending DELETE of e's key. e is the doomed
// entry; persistence reconstructs the row key from it.
func (m *Map[E]) MarkForDeletion(txn vef.Txn, e E) {
	m.assertWrite()
	m.pending[txn] = append(m.pending[txn], op[E]{kind: opDelete, key: e.EntryKey(), entry: e})
}

// HasPending reports whether txn has pending operations on this map.
func (m *Map[E]) HasPending(txn vef.Txn) bool {
	m.assertRead()
	return len(m.pending[txn]) > 0
}

// Commit applies txn's pending operations to committed state in append
// order and frees the pending list.
func (m *Map[E]) Commit(txn vef.Txn) {
	m.assertWrite()
	for _, o := range m.pending[txn] {
		switch o.kind {
		case opInsert:
			m.replace(o.key, o.entry)
		case opUpdate:
			if o.oldKey != o.key {
				m.remove(o.oldKey)
			}
			m.replace(o.key, o.entry)
		case opDelete:
			m.remove(o.key)
		}
	}
	delete(m.pending, txn)
}

// Rollback discards txn's pending operations. Committed state is untouched.
func (m *Map[E]) Rollback(txn vef.Txn) {
	m.assertWrite()
	delete(m.pending, txn)
}

// Acquire pins the committed entry for key against scope and returns it.
// The entry stays alive after it is dropped from committed state, until the
// scope closes. Acquire runs under the shared lock; the use-count is
// atomic.
func (m *Map[E]) Acquire(key string, scope *vef.Scope) (E, bool) {
	m.assertRead()
	e, ok := m.committed[key]
	if !ok {
		var zero E
		return zero, false
	}
	e.refcount().Add(1)
	scope.Defer(func() { e.refcount().Add(-1) })
	return e, true
}

// AcquireOrCreate returns the committed entry for key, creating it with the
// kind-specific factory when absent, and pins it against scope. Creation
// mutates committed state, so callers hold the exclusive lock.
func (m *Map[E]) AcquireOrCreate(key string, scope *vef.Scope, create func() (E, error)) (E, error) {
	m.assertWrite()
	e, ok := m.committed[key]
	if !ok {
		var err error
		e, err = create()
		if err != nil {
			var zero E
			return zero, err
		}
		m.committed[key] = e
	}
	e.refcount().Add(1)
	scope.Defer(func() { e.refcount().Add(-1) })
	return e, nil
}

// Clear drops all committed entries and pending lists.
func (m *Map[E]) Clear() {
	m.assertWrite()
	for k, e := range m.committed {
		e.refcount().Add(-1)
		delete(m.committed, k)
	}
	m.pending = make(map[vef.Txn][]op[E])
}

// replace installs e at key, releasing catalog ownership of any previous
// entry there.
func (m *Map[E]) replace(key string, e E) {
	if prev, ok := m.committed[key]; ok && Entry(prev) != Entry(e) {
		prev.refcount().Add(-1)
	}
	m.committed[key] = e
}

// remove drops key from committed state, releasing catalog ownership.
func (m *Map[E]) remove(key string) {
	if prev, ok := m.committed[key]; ok {
		prev.refcount().Add(-1)
		delete(m.committed, key)
	}
}
