package victionary

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/dialect"
	"github.com/villagesql/vef/extension/vefabi"
	"github.com/villagesql/vef/schema/identifier"
)

// Victionary owns one map per entry kind and the single reader-writer lock
// protecting all of them. It is a process singleton with explicit Init and
// Teardown; until Init succeeds Ready reports false, every lookup reports
// not found, and clients skip their work.
type Victionary struct {
	cfg vef.Config
	log *zap.Logger
	drv dialect.Driver

	mu      sync.RWMutex
	readers atomic.Int64
	writing atomic.Bool

	initialized atomic.Bool

	properties           *Map[*Property]
	columns              *Map[*Column]
	extensions           *Map[*Extension]
	typeDescriptors      *Map[*TypeDescriptor]
	extensionDescriptors *Map[*ExtensionDescriptor]
	typeContexts         *Map[*TypeContext]
}

// New builds a Victionary over the given row store. Call Init before use.
func New(cfg vef.Config, log *zap.Logger, drv dialect.Driver) *Victionary {
	v := &Victionary{cfg: cfg, log: log.Named("victionary"), drv: drv}
	mode := cfg.NameCase
	v.properties = NewPersistentMap("properties", propertyCodec(mode), v.log)
	v.columns = NewPersistentMap("columns", columnCodec(mode), v.log)
	v.extensions = NewPersistentMap("extensions", extensionCodec(mode), v.log)
	v.typeDescriptors = NewMap[*TypeDescriptor]("type_descriptors", v.log)
	v.extensionDescriptors = NewMap[*ExtensionDescriptor]("extension_descriptors", v.log)
	v.typeContexts = NewMap[*TypeContext]("type_contexts", v.log)
	wire := func(r, w *func()) {
		*r = v.assertRead
		*w = v.assertWrite
	}
	wire(&v.properties.assertRead, &v.properties.assertWrite)
	wire(&v.columns.assertRead, &v.columns.assertWrite)
	wire(&v.extensions.assertRead, &v.extensions.assertWrite)
	wire(&v.typeDescriptors.assertRead, &v.typeDescriptors.assertWrite)
	wire(&v.extensionDescriptors.assertRead, &v.extensionDescriptors.assertWrite)
	wire(&v.typeContexts.assertRead, &v.typeContexts.assertWrite)
	return v
}

// NewMemory returns an initialized catalog with no backing row store.
// Every kind behaves as memory-only; WriteAllUncommitted reports an error.
// Embedded tools and tests that need no durability use it.
func NewMemory(cfg vef.Config, log *zap.Logger) *Victionary {
	v := New(cfg, log, nil)
	v.properties.codec = nil
	v.columns.codec = nil
	v.extensions.codec = nil
	v.initialized.Store(true)
	return v
}

// global is the process-wide instance set by SetGlobal.
var global atomic.Pointer[Victionary]

// SetGlobal installs the process-wide Victionary. Initialization is
// single-threaded; install before the first session starts.
func SetGlobal(v *Victionary) { global.Store(v) }

// Global returns the process-wide Victionary, or nil before SetGlobal.
func Global() *Victionary { return global.Load() }

// Mode returns the identifier case mode the catalog normalizes with.
func (v *Victionary) Mode() vef.CaseMode { return v.cfg.NameCase }

// Driver returns the row store backing the persistent maps.
func (v *Victionary) Driver() dialect.Driver { return v.drv }

// Ready reports whether Init completed. Clients that see false skip their
// lookup entirely.
func (v *Victionary) Ready() bool { return v.initialized.Load() }

func (v *Victionary) rlock() func() {
	v.mu.RLock()
	v.readers.Add(1)
	return func() {
		v.readers.Add(-1)
		v.mu.RUnlock()
	}
}

func (v *Victionary) wlock() func() {
	v.mu.Lock()
	v.writing.Store(true)
	return func() {
		v.writing.Store(false)
		v.mu.Unlock()
	}
}

// assertRead panics when no lock is held. It cannot distinguish which
// reader thread holds the shared lock, only that one does.
func (v *Victionary) assertRead() {
	if v.readers.Load() == 0 && !v.writing.Load() {
		panic("victionary: map accessed without the catalog lock")
	}
}

func (v *Victionary) assertWrite() {
	if !v.writing.Load() {
		panic("victionary: map mutated without the exclusive catalog lock")
	}
}

// Init loads the persistent maps from their backing tables in a dedicated
// bootstrap context and records the schema version at first boot.
// Initialization is single-threaded; subsequent use is concurrent.
func (v *Victionary) Init(ctx context.Context) error {
	defer v.wlock()()
	dl := v.drv.Dialect()
	if err := v.properties.ReloadFromTable(ctx, v.drv, dl); err != nil {
		return err
	}
	if err := v.columns.ReloadFromTable(ctx, v.drv, dl); err != nil {
		return err
	}
	if err := v.extensions.ReloadFromTable(ctx, v.drv, dl); err != nil {
		return err
	}
	if _, ok := v.properties.GetCommitted(NewPropertyKey(PropSchemaVersion, v.cfg.NameCase).Str()); !ok {
		boot := vef.Txn("bootstrap-" + uuid.NewString())
		prop := NewProperty(NewPropertyKey(PropSchemaVersion, v.cfg.NameCase), SchemaVersion, "victionary schema version")
		v.properties.MarkForInsertion(boot, prop)
		tx, err := v.drv.Tx(ctx)
		if err != nil {
			v.properties.Rollback(boot)
			return fmt.Errorf("victionary: bootstrap: %w", err)
		}
		if err := v.properties.WriteUncommittedToTable(ctx, boot, tx, dl); err != nil {
			v.properties.Rollback(boot)
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			v.properties.Rollback(boot)
			return fmt.Errorf("victionary: bootstrap commit: %w", err)
		}
		v.properties.Commit(boot)
	}
	v.initialized.Store(true)
	return nil
}

// Teardown drops all state and unloads every extension library in reverse
// registration order.
func (v *Victionary) Teardown() {
	defer v.wlock()()
	v.initialized.Store(false)
	descs := v.extensionDescriptors.AllCommitted()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Seq > descs[j].Seq })
	for _, d := range descs {
		if d.Unregister != nil {
			if err := d.Unregister(); err != nil {
				v.log.Error("unregister failed during teardown",
					zap.String("extension", d.Key.Extension()), zap.Error(err))
			}
		}
		if d.Close != nil {
			if err := d.Close(); err != nil {
				v.log.Error("library close failed during teardown",
					zap.String("extension", d.Key.Extension()), zap.Error(err))
			}
		}
	}
	v.typeContexts.Clear()
	v.extensionDescriptors.Clear()
	v.typeDescriptors.Clear()
	v.extensions.Clear()
	v.columns.Clear()
	v.properties.Clear()
}

// Property returns the property visible to txn.
func (v *Victionary) Property(txn vef.Txn, name string) (*Property, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.properties.Get(txn, NewPropertyKey(name, v.cfg.NameCase).Str())
}

// ColumnFor returns the custom-column entry for (db, table, column) visible
// to txn.
func (v *Victionary) ColumnFor(txn vef.Txn, db, table, column string) (*Column, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.columns.Get(txn, NewColumnKey(db, table, column, v.cfg.NameCase).Str())
}

// ColumnCommitted ignores pending state.
func (v *Victionary) ColumnCommitted(db, table, column string) (*Column, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.columns.GetCommitted(NewColumnKey(db, table, column, v.cfg.NameCase).Str())
}

// CustomColumnsForTable returns every committed column entry of (db, table)
// in key order.
func (v *Victionary) CustomColumnsForTable(db, table string) []*Column {
	if !v.Ready() {
		return nil
	}
	defer v.rlock()()
	return v.columns.PrefixCommitted(NewColumnPrefix(db, table, v.cfg.NameCase).Str())
}

// ExtensionCommitted returns the committed extension entry for name.
func (v *Victionary) ExtensionCommitted(name string) (*Extension, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.extensions.GetCommitted(NewExtensionKey(name, v.cfg.NameCase).Str())
}

// ExtensionFor returns the extension entry visible to txn.
func (v *Victionary) ExtensionFor(txn vef.Txn, name string) (*Extension, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.extensions.Get(txn, NewExtensionKey(name, v.cfg.NameCase).Str())
}

// AllExtensionsCommitted returns every committed extension entry.
func (v *Victionary) AllExtensionsCommitted() []*Extension {
	if !v.Ready() {
		return nil
	}
	defer v.rlock()()
	return v.extensions.AllCommitted()
}

// TypeDescriptorCommitted resolves a (type, extension, version) triple to
// its committed descriptor.
func (v *Victionary) TypeDescriptorCommitted(typ, ext, version string) (*TypeDescriptor, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.typeDescriptors.GetCommitted(NewTypeKey(typ, ext, version, v.cfg.NameCase).Str())
}

// TypeDescriptorsOf returns the committed descriptors owned by one
// extension version.
func (v *Victionary) TypeDescriptorsOf(ext, version string) []*TypeDescriptor {
	if !v.Ready() {
		return nil
	}
	defer v.rlock()()
	norm := identifier.Normalize(identifier.Extension, ext, v.cfg.NameCase)
	var out []*TypeDescriptor
	for _, td := range v.typeDescriptors.AllCommitted() {
		if identifier.Normalize(identifier.Extension, td.Key.Extension(), v.cfg.NameCase) == norm && td.Key.Version() == version {
			out = append(out, td)
		}
	}
	return out
}

// TypeContextsOf returns the committed contexts owned by one extension
// version.
func (v *Victionary) TypeContextsOf(ext, version string) []*TypeContext {
	if !v.Ready() {
		return nil
	}
	defer v.rlock()()
	norm := identifier.Normalize(identifier.Extension, ext, v.cfg.NameCase)
	var out []*TypeContext
	for _, tc := range v.typeContexts.AllCommitted() {
		if identifier.Normalize(identifier.Extension, tc.Key.Extension(), v.cfg.NameCase) == norm && tc.Key.Version() == version {
			out = append(out, tc)
		}
	}
	return out
}

// TypeDescriptorsNamed returns every committed descriptor with the given
// type name, across extensions. Parse-tree resolution of a bare type name
// uses it and refuses ambiguity.
func (v *Victionary) TypeDescriptorsNamed(typ string) []*TypeDescriptor {
	if !v.Ready() {
		return nil
	}
	defer v.rlock()()
	norm := identifier.Normalize(identifier.Type, typ, v.cfg.NameCase)
	var out []*TypeDescriptor
	for _, td := range v.typeDescriptors.AllCommitted() {
		if identifier.Normalize(identifier.Type, td.Key.Type(), v.cfg.NameCase) == norm {
			out = append(out, td)
		}
	}
	return out
}

// ExtensionDescriptorOf returns the committed library binding of one
// extension version.
func (v *Victionary) ExtensionDescriptorOf(ext, version string) (*ExtensionDescriptor, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.extensionDescriptors.GetCommitted(NewDescriptorKey(ext, version, v.cfg.NameCase).Str())
}

// ColumnsReferencing returns how many committed column entries reference
// (extension, version) and a representative "db.table.column" for error
// messages.
func (v *Victionary) ColumnsReferencing(ext, version string) (representative string, n int) {
	if !v.Ready() {
		return "", 0
	}
	defer v.rlock()()
	norm := identifier.Normalize(identifier.Extension, ext, v.cfg.NameCase)
	for _, c := range v.columns.AllCommitted() {
		if identifier.Normalize(identifier.Extension, c.ExtensionName, v.cfg.NameCase) == norm && c.ExtensionVersion == version {
			if representative == "" {
				representative = fmt.Sprintf("%s.%s.%s", c.Key.DB(), c.Key.Table(), c.Key.Column())
			}
			n++
		}
	}
	return representative, n
}

// AcquireTypeContext pins an existing committed context against scope.
func (v *Victionary) AcquireTypeContext(typ, ext, version string, params []byte, scope *vef.Scope) (*TypeContext, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.typeContexts.Acquire(NewContextKey(typ, ext, version, params, v.cfg.NameCase).Str(), scope)
}

// AcquireOrCreateTypeContext resolves the (type, extension, version) triple
// to its committed descriptor — which must already be committed — wraps it
// in a context keyed by the parameter blob, and pins it against scope.
func (v *Victionary) AcquireOrCreateTypeContext(typ, ext, version string, params []byte, scope *vef.Scope) (*TypeContext, error) {
	if !v.Ready() {
		return nil, vef.ErrNotInitialized
	}
	defer v.wlock()()
	td, ok := v.typeDescriptors.GetCommitted(NewTypeKey(typ, ext, version, v.cfg.NameCase).Str())
	if !ok {
		return nil, fmt.Errorf("victionary: no type descriptor for %s.%s@%s", ext, typ, version)
	}
	key := NewContextKey(typ, ext, version, params, v.cfg.NameCase)
	return v.typeContexts.AcquireOrCreate(key.Str(), scope, func() (*TypeContext, error) {
		return NewTypeContext(key, td), nil
	})
}

// AcquireTypeDescriptor pins a committed descriptor against scope.
func (v *Victionary) AcquireTypeDescriptor(typ, ext, version string, scope *vef.Scope) (*TypeDescriptor, bool) {
	if !v.Ready() {
		return nil, false
	}
	defer v.rlock()()
	return v.typeDescriptors.Acquire(NewTypeKey(typ, ext, version, v.cfg.NameCase).Str(), scope)
}

// InsertProperty marks a pending property insert.
func (v *Victionary) InsertProperty(txn vef.Txn, name, value, description string) *Property {
	defer v.wlock()()
	p := NewProperty(NewPropertyKey(name, v.cfg.NameCase), value, description)
	v.properties.MarkForInsertion(txn, p)
	return p
}

// InsertColumn marks a pending custom-column insert.
func (v *Victionary) InsertColumn(txn vef.Txn, db, table, column, ext, version, typeName string) *Column {
	defer v.wlock()()
	c := NewColumn(NewColumnKey(db, table, column, v.cfg.NameCase), ext, version, typeName)
	v.columns.MarkForInsertion(txn, c)
	return c
}

// DeleteColumn marks a pending custom-column delete.
func (v *Victionary) DeleteColumn(txn vef.Txn, c *Column) {
	defer v.wlock()()
	v.columns.MarkForDeletion(txn, c)
}

// InsertExtension marks a pending extension insert.
func (v *Victionary) InsertExtension(txn vef.Txn, name, version, sha256hex string) *Extension {
	defer v.wlock()()
	e := NewExtension(NewExtensionKey(name, v.cfg.NameCase), version, sha256hex)
	v.extensions.MarkForInsertion(txn, e)
	return e
}

// DeleteExtension marks a pending extension delete.
func (v *Victionary) DeleteExtension(txn vef.Txn, e *Extension) {
	defer v.wlock()()
	v.extensions.MarkForDeletion(txn, e)
}

// InsertTypeDescriptor marks a pending type-descriptor insert built from
// the ABI declaration.
func (v *Victionary) InsertTypeDescriptor(txn vef.Txn, ext, version string, d vefabi.TypeDescriptor) *TypeDescriptor {
	defer v.wlock()()
	td := NewTypeDescriptor(NewTypeKey(d.Name, ext, version, v.cfg.NameCase), d)
	v.typeDescriptors.MarkForInsertion(txn, td)
	return td
}

// DeleteTypeDescriptor marks a pending type-descriptor delete.
func (v *Victionary) DeleteTypeDescriptor(txn vef.Txn, td *TypeDescriptor) {
	defer v.wlock()()
	v.typeDescriptors.MarkForDeletion(txn, td)
}

// InsertExtensionDescriptor marks a pending library-binding insert.
func (v *Victionary) InsertExtensionDescriptor(txn vef.Txn, d *ExtensionDescriptor) {
	defer v.wlock()()
	v.extensionDescriptors.MarkForInsertion(txn, d)
}

// DeleteExtensionDescriptor marks a pending library-binding delete.
func (v *Victionary) DeleteExtensionDescriptor(txn vef.Txn, d *ExtensionDescriptor) {
	defer v.wlock()()
	v.extensionDescriptors.MarkForDeletion(txn, d)
}

// DeleteTypeContext marks a pending context delete.
func (v *Victionary) DeleteTypeContext(txn vef.Txn, tc *TypeContext) {
	defer v.wlock()()
	v.typeContexts.MarkForDeletion(txn, tc)
}

// CommitAll applies txn's pending operations across every map in the fixed
// order: properties, columns, extensions, type descriptors, extension
// descriptors, type contexts.
func (v *Victionary) CommitAll(txn vef.Txn) {
	defer v.wlock()()
	v.properties.Commit(txn)
	v.columns.Commit(txn)
	v.extensions.Commit(txn)
	v.typeDescriptors.Commit(txn)
	v.extensionDescriptors.Commit(txn)
	v.typeContexts.Commit(txn)
}

// RollbackAll discards txn's pending operations across every map in the
// same fixed order.
func (v *Victionary) RollbackAll(txn vef.Txn) {
	defer v.wlock()()
	v.properties.Rollback(txn)
	v.columns.Rollback(txn)
	v.extensions.Rollback(txn)
	v.typeDescriptors.Rollback(txn)
	v.extensionDescriptors.Rollback(txn)
	v.typeContexts.Rollback(txn)
}

// AttachTxnHooks registers CommitAll and RollbackAll with the host
// transaction hooks for txn. Host DDL that mutates the catalog inside its
// own transaction — CREATE TABLE with extension-typed columns, DROP TABLE —
// calls this once; the host then drives the catalog outcome together with
// the row-store outcome.
func (v *Victionary) AttachTxnHooks(hooks vef.TxnHooks, txn vef.Txn) {
	hooks.OnCommit(txn, func() error {
		v.CommitAll(txn)
		return nil
	})
	hooks.OnRollback(txn, func() {
		v.RollbackAll(txn)
	})
}

// WriteAllUncommitted replays txn's pending operations of every persistent
// map against the open row store handle. It must run inside the same host
// transaction that performs the DDL side-effects, before the host commit.
func (v *Victionary) WriteAllUncommitted(ctx context.Context, txn vef.Txn, conn dialect.ExecQuerier) error {
	defer v.wlock()()
	if v.drv == nil {
		return fmt.Errorf("victionary: no backing row store")
	}
	dl := v.drv.Dialect()
	if err := v.properties.WriteUncommittedToTable(ctx, txn, conn, dl); err != nil {
		return err
	}
	if err := v.columns.WriteUncommittedToTable(ctx, txn, conn, dl); err != nil {
		return err
	}
	return v.extensions.WriteUncommittedToTable(ctx, txn, conn, dl)
}

// Maps below are exported for white-box property tests; production callers
// go through the typed methods above.

// RLocked runs fn under the shared lock.
func (v *Victionary) RLocked(fn func()) {
	defer v.rlock()()
	fn()
}

// WLocked runs fn under the exclusive lock.
func (v *Victionary) WLocked(fn func()) {
	defer v.wlock()()
	fn()
}

// Properties returns the properties map. The catalog lock rules apply.
func (v *Victionary) Properties() *Map[*Property] { return v.properties }

// Columns returns the custom-columns map. The catalog lock rules apply.
func (v *Victionary) Columns() *Map[*Column] { return v.columns }

// Extensions returns the extensions map. The catalog lock rules apply.
func (v *Victionary) Extensions() *Map[*Extension] { return v.extensions }

// TypeDescriptors returns the type-descriptor map. The catalog lock rules apply.
func (v *Victionary) TypeDescriptors() *Map[*TypeDescriptor] { return v.typeDescriptors }

// ExtensionDescriptors returns the library-binding map. The catalog lock rules apply.
func (v *Victionary) ExtensionDescriptors() *Map[*ExtensionDescriptor] { return v.extensionDescriptors }

// TypeContexts returns the type-context map. The catalog lock rules apply.
func (v *Victionary) TypeContexts() *Map[*TypeContext] { return v.typeContexts }
