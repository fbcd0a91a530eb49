package extension

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/dialect"
	vefsql "github.com/villagesql/vef/dialect/sql"
	"github.com/villagesql/vef/engine/vdf"
	"github.com/villagesql/vef/extension/archive"
	"github.com/villagesql/vef/extension/loader"
	"github.com/villagesql/vef/extension/vefabi"
	"github.com/villagesql/vef/internal/complextest"
	"github.com/villagesql/vef/victionary"
)

const (
	selectProperties = "SELECT name, value, description FROM properties ORDER BY name"
	selectColumns    = "SELECT db_name, table_name, column_name, extension_name, extension_version, type_name FROM custom_columns ORDER BY db_name, table_name, column_name"
	selectExtensions = "SELECT extension_name, extension_version, veb_sha256 FROM extensions ORDER BY extension_name"
	insertExtension  = "INSERT INTO extensions (extension_name, extension_version, veb_sha256) VALUES (?, ?, ?)"
	deleteExtension  = "DELETE FROM extensions WHERE extension_name = ?"
)

type env struct {
	mgr    *Manager
	vic    *victionary.Victionary
	mock   sqlmock.Sqlmock
	fs     afero.Fs
	store  *archive.Store
	opener *loader.FakeOpener
	funcs  *vef.LocalFunctionRegistry
	locks  *vef.LocalGlobalLocks
}

// newEnv boots an initialized catalog over sqlmock plus an in-memory
// archive store and fake dynamic loader. rows preloads the extensions
// table.
func newEnv(t *testing.T, rows *sqlmock.Rows) *env {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if rows == nil {
		rows = sqlmock.NewRows([]string{"extension_name", "extension_version", "veb_sha256"})
	}
	mock.ExpectQuery(selectProperties).WillReturnRows(
		sqlmock.NewRows([]string{"name", "value", "description"}).
			AddRow(victionary.PropSchemaVersion, victionary.SchemaVersion, "victionary schema version"))
	mock.ExpectQuery(selectColumns).WillReturnRows(sqlmock.NewRows([]string{"db_name", "table_name", "column_name", "extension_name", "extension_version", "type_name"}))
	mock.ExpectQuery(selectExtensions).WillReturnRows(rows)

	cfg := vef.Config{BaseDir: "/veb", NameCase: vef.CasePreserve}
	vic := victionary.New(cfg, zap.NewNop(), vefsql.OpenDB(dialect.SQLite, db))
	require.NoError(t, vic.Init(context.Background()))

	fs := afero.NewMemMapFs()
	store := archive.NewStore(fs, "/veb", zap.NewNop())
	opener := loader.NewFakeOpener()
	funcs := vef.NewLocalFunctionRegistry("abs", "sum")
	locks := &vef.LocalGlobalLocks{}
	mgr := NewManager(zap.NewNop(), vic, store, opener, vef.NewLocalMDL(), locks, funcs)
	return &env{mgr: mgr, vic: vic, mock: mock, fs: fs, store: store, opener: opener, funcs: funcs, locks: locks}
}

// addComplexArchive writes the complex .veb archive and registers its fake
// library, returning the library handle.
func (e *env) addComplexArchive(t *testing.T) *loader.FakeLibrary {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range []struct{ name, body string }{
		{"manifest.json", `{"name": "complex", "version": "1.0.0"}`},
		{"lib/complex" + archive.LibSuffix(), "fake shared object"},
	} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: f.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(f.body))}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, e.fs.MkdirAll("/veb", 0o755))
	require.NoError(t, afero.WriteFile(e.fs, "/veb/complex"+archive.Suffix, buf.Bytes(), 0o644))

	libPath := filepath.Join(e.store.ExpandedDir("complex", mustHash(t, e.store)), "lib", "complex"+archive.LibSuffix())
	return e.opener.Add(libPath, func(*vefabi.RegisterArg) (*vefabi.Registration, error) {
		return complextest.Registration(), nil
	})
}

func mustHash(t *testing.T, s *archive.Store) string {
	t.Helper()
	h, err := s.Hash("complex")
	require.NoError(t, err)
	return h
}

func TestInstallRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	e.addComplexArchive(t)
	hash := mustHash(t, e.store)

	e.mock.ExpectBegin()
	e.mock.ExpectExec(insertExtension).WithArgs("complex", "1.0.0", hash).WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()

	require.NoError(t, e.mgr.Install(context.Background(), "ddl-1", "complex"))

	entry, ok := e.vic.ExtensionCommitted("complex")
	require.True(t, ok)
	assert.Equal(t, hash, entry.ArchiveSHA256)
	assert.Equal(t, "1.0.0", entry.Version)

	_, ok = e.vic.TypeDescriptorCommitted(complextest.TypeName, "complex", "1.0.0")
	assert.True(t, ok)
	_, ok = e.vic.ExtensionDescriptorOf("complex", "1.0.0")
	assert.True(t, ok)

	fn, ok := e.funcs.Lookup("complex.complex_real")
	require.True(t, ok)
	assert.IsType(t, (*vdf.Definition)(nil), fn)
	_, ok = e.funcs.Lookup("complex.complex_add")
	assert.True(t, ok)

	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestInstallAlreadyInstalled(t *testing.T) {
	e := newEnv(t, nil)
	e.addComplexArchive(t)
	hash := mustHash(t, e.store)
	e.mock.ExpectBegin()
	e.mock.ExpectExec(insertExtension).WithArgs("complex", "1.0.0", hash).WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()
	require.NoError(t, e.mgr.Install(context.Background(), "ddl-1", "complex"))

	err := e.mgr.Install(context.Background(), "ddl-2", "complex")
	assert.ErrorIs(t, err, vef.ErrAlreadyInstalled)
}

func TestInstallValidatesName(t *testing.T) {
	e := newEnv(t, nil)
	for _, name := range []string{"", "1abc", "a b", "x_"} {
		assert.Error(t, e.mgr.Install(context.Background(), "ddl-1", name), name)
	}
}

func TestInstallRefusedInReadOnlyMode(t *testing.T) {
	e := newEnv(t, nil)
	e.locks.ReadOnly = true
	err := e.mgr.Install(context.Background(), "ddl-1", "complex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestInstallMissingArchive(t *testing.T) {
	e := newEnv(t, nil)
	err := e.mgr.Install(context.Background(), "ddl-1", "complex")
	require.Error(t, err)
	var ie *vef.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "expand", ie.Step)
}

func TestInstallRowStoreFailureRollsBack(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.addComplexArchive(t)

	e.mock.ExpectBegin()
	e.mock.ExpectExec(insertExtension).WillReturnError(assert.AnError)
	e.mock.ExpectRollback()

	err := e.mgr.Install(context.Background(), "ddl-1", "complex")
	require.Error(t, err)

	// Catalog state untouched, functions unregistered, library unloaded.
	_, ok := e.vic.ExtensionCommitted("complex")
	assert.False(t, ok)
	_, ok = e.funcs.Lookup("complex.complex_real")
	assert.False(t, ok)
	assert.Equal(t, 1, lib.Unregistered)
	assert.Equal(t, 1, lib.Closed)

	// The content-addressed expansion is retained for reuse.
	ok, _ = afero.DirExists(e.fs, e.store.ExpandedDir("complex", mustHash(t, e.store)))
	assert.True(t, ok)
}

func TestInstallRefusesBuiltinCollision(t *testing.T) {
	e := newEnv(t, nil)
	e.addComplexArchive(t)
	// Make "complex_real" a host built-in.
	e.funcs = vef.NewLocalFunctionRegistry("complex_real")
	e.mgr.funcs = e.funcs

	err := e.mgr.Install(context.Background(), "ddl-1", "complex")
	require.Error(t, err)
	var ie *vef.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "register", ie.Step)
}

func installComplex(t *testing.T, e *env) *loader.FakeLibrary {
	t.Helper()
	lib := e.addComplexArchive(t)
	hash := mustHash(t, e.store)
	e.mock.ExpectBegin()
	e.mock.ExpectExec(insertExtension).WithArgs("complex", "1.0.0", hash).WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()
	require.NoError(t, e.mgr.Install(context.Background(), "ddl-install", "complex"))
	return lib
}

func TestUninstallRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	lib := installComplex(t, e)

	e.mock.ExpectBegin()
	e.mock.ExpectExec(deleteExtension).WithArgs("complex").WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()

	require.NoError(t, e.mgr.Uninstall(context.Background(), "ddl-2", "complex"))

	_, ok := e.vic.ExtensionCommitted("complex")
	assert.False(t, ok)
	_, ok = e.vic.TypeDescriptorCommitted(complextest.TypeName, "complex", "1.0.0")
	assert.False(t, ok)
	_, ok = e.vic.ExtensionDescriptorOf("complex", "1.0.0")
	assert.False(t, ok)
	_, ok = e.funcs.Lookup("complex.complex_real")
	assert.False(t, ok)
	assert.Equal(t, 1, lib.Unregistered)
	assert.Equal(t, 1, lib.Closed)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUninstallNotInstalled(t *testing.T) {
	e := newEnv(t, nil)
	err := e.mgr.Uninstall(context.Background(), "ddl-1", "ghost")
	assert.ErrorIs(t, err, vef.ErrNotInstalled)
}

func TestUninstallRefusedByColumn(t *testing.T) {
	e := newEnv(t, nil)
	installComplex(t, e)

	// A committed column references the extension.
	txn := vef.Txn("create-table")
	e.vic.InsertColumn(txn, "db1", "t1", "c1", "complex", "1.0.0", complextest.TypeName)
	e.vic.CommitAll(txn)

	err := e.mgr.Uninstall(context.Background(), "ddl-2", "complex")
	require.ErrorIs(t, err, vef.ErrExtensionInUse)
	assert.Contains(t, err.Error(), "db1.t1.c1", "the error names a representative column")

	// Committed state unchanged.
	_, ok := e.vic.ExtensionCommitted("complex")
	assert.True(t, ok)
	_, ok = e.funcs.Lookup("complex.complex_real")
	assert.True(t, ok)
}

func TestUninstallRefusedWhilePinned(t *testing.T) {
	e := newEnv(t, nil)
	installComplex(t, e)

	scope := vef.NewScope()
	_, err := e.vic.AcquireOrCreateTypeContext(complextest.TypeName, "complex", "1.0.0", nil, scope)
	require.NoError(t, err)

	err = e.mgr.Uninstall(context.Background(), "ddl-2", "complex")
	assert.ErrorIs(t, err, vef.ErrExtensionInUse)

	// Releasing the pin unblocks the uninstall.
	scope.Close()
	e.mock.ExpectBegin()
	e.mock.ExpectExec(deleteExtension).WithArgs("complex").WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectCommit()
	assert.NoError(t, e.mgr.Uninstall(context.Background(), "ddl-3", "complex"))
}

func TestLoadInstalledAtStartup(t *testing.T) {
	// First boot: install to produce the archive and learn its hash.
	seed := newEnv(t, nil)
	seed.addComplexArchive(t)
	hash := mustHash(t, seed.store)

	// Second boot: catalog already records the extension.
	e := newEnv(t, sqlmock.NewRows([]string{"extension_name", "extension_version", "veb_sha256"}).
		AddRow("complex", "1.0.0", hash))
	e.addComplexArchive(t)

	// A stale expansion from a rolled-back install.
	orphan := e.store.ExpandedDir("complex", "deadbeef")
	require.NoError(t, e.fs.MkdirAll(orphan, 0o755))

	require.NoError(t, e.mgr.LoadInstalled(context.Background(), "boot"))

	_, ok := e.vic.TypeDescriptorCommitted(complextest.TypeName, "complex", "1.0.0")
	assert.True(t, ok, "descriptor maps rebuilt from the loaded library")
	_, ok = e.vic.ExtensionDescriptorOf("complex", "1.0.0")
	assert.True(t, ok)
	_, ok = e.funcs.Lookup("complex.complex_add")
	assert.True(t, ok)

	gone, _ := afero.DirExists(e.fs, orphan)
	assert.False(t, gone, "orphaned expansion removed")
	kept, _ := afero.DirExists(e.fs, e.store.ExpandedDir("complex", hash))
	assert.True(t, kept)
}

func TestLoadInstalledSkipsBadHash(t *testing.T) {
	e := newEnv(t, sqlmock.NewRows([]string{"extension_name", "extension_version", "veb_sha256"}).
		AddRow("complex", "1.0.0", "not-the-real-hash"))
	e.addComplexArchive(t)

	require.NoError(t, e.mgr.LoadInstalled(context.Background(), "boot"))
	_, ok := e.vic.TypeDescriptorCommitted(complextest.TypeName, "complex", "1.0.0")
	assert.False(t, ok, "a hash mismatch refuses the extension")
	_, ok = e.vic.ExtensionCommitted("complex")
	assert.True(t, ok, "the persistent entry itself stays")
}
