// Package victionary is the in-memory catalog of the extension framework: a
// thread-safe, transactional, reference-counted registry of
// extension-defined objects, with the persistent kinds backed by system
// tables in the host row store.
package victionary

import (
	"encoding/hex"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/schema/identifier"
)

// Delim separates normalized key components. It is below every printable
// byte, so component-wise ordering and string ordering agree, and a prefix
// ending in it bounds the range [p, p′) of all keys it covers.
const Delim = "\x1f"

// PropertyKey identifies a schema-metadata property.
type PropertyKey struct {
	name string
	norm string
}

// NewPropertyKey builds a property key under the given case mode.
func NewPropertyKey(name string, mode vef.CaseMode) PropertyKey {
	return PropertyKey{
		name: name,
		norm: identifier.Normalize(identifier.Property, name, mode),
	}
}

// Str returns the normalized key string.
func (k PropertyKey) Str() string { return k.norm }

// Name returns the property name as written.
func (k PropertyKey) Name() string { return k.name }

// ColumnKey identifies a user column that uses an extension-defined type.
type ColumnKey struct {
	db, table, column string
	norm              string
}

// NewColumnKey builds a column key under the given case mode.
func NewColumnKey(db, table, column string, mode vef.CaseMode) ColumnKey {
	return ColumnKey{
		db:     db,
		table:  table,
		column: column,
		norm: identifier.Normalize(identifier.Database, db, mode) + Delim +
			identifier.Normalize(identifier.Table, table, mode) + Delim +
			identifier.Normalize(identifier.Column, column, mode),
	}
}

// Str returns the normalized key string.
func (k ColumnKey) Str() string { return k.norm }

// DB returns the database name as written.
func (k ColumnKey) DB() string { return k.db }

// Table returns the table name as written.
func (k ColumnKey) Table() string { return k.table }

// Column returns the column name as written.
func (k ColumnKey) Column() string { return k.column }

// ColumnPrefix covers every column key of one table. Its normalized form
// ends in the delimiter so matching is a range scan.
type ColumnPrefix struct {
	db, table string
	norm      string
}

// NewColumnPrefix builds the prefix of all columns of (db, table).
func NewColumnPrefix(db, table string, mode vef.CaseMode) ColumnPrefix {
	return ColumnPrefix{
		db:    db,
		table: table,
		norm: identifier.Normalize(identifier.Database, db, mode) + Delim +
			identifier.Normalize(identifier.Table, table, mode) + Delim,
	}
}

// Str returns the normalized prefix string, delimiter-terminated.
func (p ColumnPrefix) Str() string { return p.norm }

// ExtensionKey identifies an installed extension.
type ExtensionKey struct {
	name string
	norm string
}

// NewExtensionKey builds an extension key.
func NewExtensionKey(name string, mode vef.CaseMode) ExtensionKey {
	return ExtensionKey{
		name: name,
		norm: identifier.Normalize(identifier.Extension, name, mode),
	}
}

// Str returns the normalized key string.
func (k ExtensionKey) Str() string { return k.norm }

// Name returns the extension name as written.
func (k ExtensionKey) Name() string { return k.name }

// TypeKey identifies an extension-contributed type descriptor.
type TypeKey struct {
	typ, extension, version string
	norm                    string
}

// NewTypeKey builds a type-descriptor key. version is the canonical semver
// string of the owning extension.
func NewTypeKey(typ, extension, version string, mode vef.CaseMode) TypeKey {
	return TypeKey{
		typ:       typ,
		extension: extension,
		version:   version,
		norm: identifier.Normalize(identifier.Type, typ, mode) + Delim +
			identifier.Normalize(identifier.Extension, extension, mode) + Delim +
			version,
	}
}

// Str returns the normalized key string.
func (k TypeKey) Str() string { return k.norm }

// Type returns the type name as written.
func (k TypeKey) Type() string { return k.typ }

// Extension returns the owning extension name as written.
func (k TypeKey) Extension() string { return k.extension }

// Version returns the owning extension version string.
func (k TypeKey) Version() string { return k.version }

// DescriptorKey identifies the live binding of one loaded extension library.
type DescriptorKey struct {
	extension, version string
	norm               string
}

// NewDescriptorKey builds an extension-descriptor key.
func NewDescriptorKey(extension, version string, mode vef.CaseMode) DescriptorKey {
	return DescriptorKey{
		extension: extension,
		version:   version,
		norm:      identifier.Normalize(identifier.Extension, extension, mode) + Delim + version,
	}
}

// Str returns the normalized key string.
func (k DescriptorKey) Str() string { return k.norm }

// Extension returns the extension name as written.
func (k DescriptorKey) Extension() string { return k.extension }

// Version returns the extension version string.
func (k DescriptorKey) Version() string { return k.version }

// ContextKey identifies a parameterised, usable instance of a type. The
// parameter blob participates in identity; it is hex-encoded into the
// normalized form so the key string stays delimiter-safe.
type ContextKey struct {
	typ, extension, version string
	params                  []byte
	norm                    string
}

// NewContextKey builds a type-context key.
func NewContextKey(typ, extension, version string, params []byte, mode vef.CaseMode) ContextKey {
	return ContextKey{
		typ:       typ,
		extension: extension,
		version:   version,
		params:    params,
		norm: identifier.Normalize(identifier.Type, typ, mode) + Delim +
			identifier.Normalize(identifier.Extension, extension, mode) + Delim +
			version + Delim +
			hex.EncodeToString(params),
	}
}

// Str returns the normalized key string.
func (k ContextKey) Str() string { return k.norm }

// Type returns the type name as written.
func (k ContextKey) Type() string { return k.typ }

// Extension returns the owning extension name as written.
func (k ContextKey) Extension() string { return k.extension }

// Version returns the owning extension version string.
func (k ContextKey) Version() string { return k.version }

// Params returns the raw parameter blob.
func (k ContextKey) Params() []byte { return k.params }
