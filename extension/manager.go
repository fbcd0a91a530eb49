// Package extension implements the lifecycle of packaged extensions:
// INSTALL EXTENSION, UNINSTALL EXTENSION, and the startup reload of every
// installed extension from persistent state.
package extension

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/engine/vdf"
	"github.com/villagesql/vef/extension/archive"
	"github.com/villagesql/vef/extension/loader"
	"github.com/villagesql/vef/extension/vefabi"
	"github.com/villagesql/vef/schema/identifier"
	"github.com/villagesql/vef/victionary"
)

// Manager drives install, uninstall and startup load against the catalog,
// the archive store and the host services.
type Manager struct {
	log    *zap.Logger
	vic    *victionary.Victionary
	store  *archive.Store
	opener loader.Opener
	mdl    vef.MDL
	locks  vef.GlobalLocks
	funcs  vef.FunctionRegistry
}

// NewManager wires a Manager. opener defaults to the platform dynamic
// loader when nil.
func NewManager(log *zap.Logger, vic *victionary.Victionary, store *archive.Store, opener loader.Opener, mdl vef.MDL, locks vef.GlobalLocks, funcs vef.FunctionRegistry) *Manager {
	if opener == nil {
		opener = loader.PluginOpener{}
	}
	return &Manager{
		log:    log.Named("extension"),
		vic:    vic,
		store:  store,
		opener: opener,
		mdl:    mdl,
		locks:  locks,
		funcs:  funcs,
	}
}

// lockForDDL takes the shared global-read and backup locks, then the
// exclusive metadata lock on the extension name, statement duration.
func (m *Manager) lockForDDL(ctx context.Context, name string) (vef.ReleaseFunc, error) {
	relRead, err := m.locks.AcquireGlobalRead(ctx)
	if err != nil {
		return nil, err
	}
	relBackup, err := m.locks.AcquireBackup(ctx)
	if err != nil {
		relRead()
		return nil, err
	}
	relMDL, err := m.mdl.AcquireExclusive(ctx, name)
	if err != nil {
		relBackup()
		relRead()
		return nil, err
	}
	return func() {
		relMDL()
		relBackup()
		relRead()
	}, nil
}

// Install implements INSTALL EXTENSION: verify and expand the archive,
// load the library, perform the ABI handshake, register the declared types
// and functions, and durably record the extension, all in one auto-commit
// DDL transaction.
func (m *Manager) Install(ctx context.Context, txn vef.Txn, name string) error {
	if !m.vic.Ready() {
		return vef.ErrNotInitialized
	}
	if err := identifier.ValidateExtensionName(name); err != nil {
		return err
	}
	release, err := m.lockForDDL(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	// Early reject before any archive work.
	if _, ok := m.vic.ExtensionFor(txn, name); ok {
		return fmt.Errorf("%w: %s", vef.ErrAlreadyInstalled, name)
	}

	arch, err := m.store.Expand(name)
	if err != nil {
		return &vef.InstallError{Extension: name, Step: "expand", Err: err}
	}
	loaded, err := loader.Load(m.opener, arch.LibPath, name)
	if err != nil {
		return &vef.InstallError{Extension: name, Step: "handshake", Err: err}
	}
	if !loaded.Version.Equal(arch.Version) {
		_ = loaded.Unregister()
		_ = loaded.Close()
		return &vef.InstallError{Extension: name, Step: "handshake",
			Err: fmt.Errorf("manifest declares version %s, library registered %s", arch.Version, loaded.Version)}
	}
	version := arch.Version.String()

	registered, err := m.registerFunctions(name, version, loaded.Registration)
	if err != nil {
		_ = loaded.Unregister()
		_ = loaded.Close()
		return &vef.InstallError{Extension: name, Step: "register", Err: err}
	}

	for _, td := range loaded.Registration.Types {
		m.vic.InsertTypeDescriptor(txn, name, version, td)
	}
	desc := victionary.NewExtensionDescriptor(
		victionary.NewDescriptorKey(name, version, m.vic.Mode()),
		loaded.Registration, loaded.Unregister, loaded.Close)
	m.vic.InsertExtensionDescriptor(txn, desc)
	m.vic.InsertExtension(txn, name, version, arch.SHA256)

	if err := m.writeAndCommit(ctx, txn); err != nil {
		m.unregisterNames(registered)
		_ = loaded.Unregister()
		_ = loaded.Close()
		// The expanded directory is content-addressed and stays for reuse.
		return &vef.InstallError{Extension: name, Step: "record", Err: err}
	}
	m.log.Info("extension installed",
		zap.String("extension", name),
		zap.String("version", version),
		zap.String("sha256", arch.SHA256))
	return nil
}

// Uninstall implements UNINSTALL EXTENSION. It refuses while any committed
// column references the extension or any of its type objects is pinned.
func (m *Manager) Uninstall(ctx context.Context, txn vef.Txn, name string) error {
	if !m.vic.Ready() {
		return vef.ErrNotInitialized
	}
	release, err := m.lockForDDL(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	entry, ok := m.vic.ExtensionCommitted(name)
	if !ok {
		return fmt.Errorf("%w: %s", vef.ErrNotInstalled, name)
	}
	version := entry.Version

	if rep, n := m.vic.ColumnsReferencing(name, version); n > 0 {
		return &vef.InUseError{Extension: name, Column: rep}
	}
	descriptors := m.vic.TypeDescriptorsOf(name, version)
	contexts := m.vic.TypeContextsOf(name, version)
	for _, td := range descriptors {
		if td.UseCount() > 1 {
			return &vef.InUseError{Extension: name}
		}
	}
	for _, tc := range contexts {
		if tc.UseCount() > 1 {
			return &vef.InUseError{Extension: name}
		}
	}

	for _, tc := range contexts {
		m.vic.DeleteTypeContext(txn, tc)
	}
	for _, td := range descriptors {
		m.vic.DeleteTypeDescriptor(txn, td)
	}
	desc, hasDesc := m.vic.ExtensionDescriptorOf(name, version)
	if hasDesc {
		m.vic.DeleteExtensionDescriptor(txn, desc)
	}
	m.vic.DeleteExtension(txn, entry)

	if err := m.writeAndCommit(ctx, txn); err != nil {
		return &vef.InstallError{Extension: name, Step: "record", Err: err}
	}

	if hasDesc {
		m.unregisterNames(qualifiedNames(name, desc.Registration))
		if err := desc.Unregister(); err != nil {
			m.log.Error("unregister entry point failed", zap.String("extension", name), zap.Error(err))
		}
		if err := desc.Close(); err != nil {
			m.log.Error("library unload failed", zap.String("extension", name), zap.Error(err))
		}
	}
	m.log.Info("extension uninstalled", zap.String("extension", name), zap.String("version", version))
	return nil
}

// writeAndCommit persists txn's pending catalog rows inside one row-store
// transaction and applies them to committed state. Any row-store failure
// rolls everything back.
func (m *Manager) writeAndCommit(ctx context.Context, txn vef.Txn) error {
	tx, err := m.vic.Driver().Tx(ctx)
	if err != nil {
		m.vic.RollbackAll(txn)
		return err
	}
	if err := m.vic.WriteAllUncommitted(ctx, txn, tx); err != nil {
		_ = tx.Rollback()
		m.vic.RollbackAll(txn)
		return err
	}
	if err := tx.Commit(); err != nil {
		m.vic.RollbackAll(txn)
		return err
	}
	m.vic.CommitAll(txn)
	return nil
}

// registerFunctions registers every declared function with the host
// registry under its qualified name, refusing built-in collisions. On
// failure it unregisters what it already registered.
func (m *Manager) registerFunctions(name, version string, reg *vefabi.Registration) ([]string, error) {
	var registered []string
	for i := range reg.Functions {
		fd := &reg.Functions[i]
		qualified := name + "." + fd.Name
		if m.funcs.IsBuiltin(fd.Name) || m.funcs.IsBuiltin(qualified) {
			m.unregisterNames(registered)
			return nil, fmt.Errorf("function %q collides with a host built-in", fd.Name)
		}
		def := vdf.NewDefinition(qualified, name, version, *fd, m.vic)
		if err := m.funcs.Register(qualified, def); err != nil {
			m.unregisterNames(registered)
			return nil, err
		}
		registered = append(registered, qualified)
	}
	return registered, nil
}

func (m *Manager) unregisterNames(names []string) {
	for _, n := range names {
		m.funcs.Unregister(n)
	}
}

func qualifiedNames(name string, reg *vefabi.Registration) []string {
	out := make([]string, 0, len(reg.Functions))
	for i := range reg.Functions {
		out = append(out, name+"."+reg.Functions[i].Name)
	}
	return out
}

// LoadInstalled rebuilds the memory-only descriptor maps at startup: for
// every recorded extension it verifies the archive hash, loads the
// library, performs the handshake, and registers functions. A failing
// extension is logged and skipped; the rest load. Stale expansions are
// garbage-collected afterwards.
func (m *Manager) LoadInstalled(ctx context.Context, txn vef.Txn) error {
	if !m.vic.Ready() {
		return vef.ErrNotInitialized
	}
	installed := make(map[string]string)
	for _, entry := range m.vic.AllExtensionsCommitted() {
		name, version := entry.Key.Name(), entry.Version
		// The recorded expansion is never an orphan, loadable or not.
		installed[name] = entry.ArchiveSHA256
		arch, err := m.store.Reuse(name, entry.ArchiveSHA256)
		if err != nil {
			m.log.Error("refusing extension at startup",
				zap.String("extension", name), zap.Error(err))
			continue
		}
		loaded, err := loader.Load(m.opener, arch.LibPath, name)
		if err != nil {
			m.log.Error("extension failed to load at startup",
				zap.String("extension", name), zap.Error(err))
			continue
		}
		if loaded.Version.String() != version {
			m.log.Error("extension version drifted from catalog",
				zap.String("extension", name),
				zap.String("catalog", version),
				zap.String("library", loaded.Version.String()))
			_ = loaded.Unregister()
			_ = loaded.Close()
			continue
		}
		if _, err := m.registerFunctions(name, version, loaded.Registration); err != nil {
			m.log.Error("extension functions failed to register at startup",
				zap.String("extension", name), zap.Error(err))
			_ = loaded.Unregister()
			_ = loaded.Close()
			continue
		}
		for _, td := range loaded.Registration.Types {
			m.vic.InsertTypeDescriptor(txn, name, version, td)
		}
		desc := victionary.NewExtensionDescriptor(
			victionary.NewDescriptorKey(name, version, m.vic.Mode()),
			loaded.Registration, loaded.Unregister, loaded.Close)
		m.vic.InsertExtensionDescriptor(txn, desc)
		m.vic.CommitAll(txn)
		m.log.Info("extension loaded", zap.String("extension", name), zap.String("version", version))
	}
	if err := m.store.CleanOrphans(installed); err != nil {
		m.log.Error("orphan cleanup failed", zap.Error(err))
	}
	return nil
}
