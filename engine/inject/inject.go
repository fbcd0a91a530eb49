// Package inject bridges the generic executor and extension-defined types.
// At a small set of hook points it consults the catalog and attaches a
// type context to an executor object: columns at table open, type names
// during parse, literals during semantic analysis, and expression nodes
// during validation.
package inject

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/victionary"
)

// systemDBs are skipped at table open; extension types never attach to
// catalog tables.
var systemDBs = map[string]struct{}{
	"mysql":              {},
	"information_schema": {},
	"performance_schema": {},
	"sys":                {},
	"villagesql":         {},
}

// Field is the executor's view of one table column, extended with the
// attached type context when the column uses an extension-defined type.
type Field struct {
	DB     string
	Table  string
	Name   string
	Length int

	// Ctx is non-nil for a column of an extension-defined type.
	Ctx *victionary.TypeContext
}

// Injector wires the hook points to the catalog.
type Injector struct {
	vic *victionary.Victionary
	log *zap.Logger
}

// New returns an Injector over the catalog.
func New(vic *victionary.Victionary, log *zap.Logger) *Injector {
	return &Injector{vic: vic, log: log.Named("inject")}
}

// AttachTableColumns runs at table open: every column of a non-system
// table with a custom-column record gets its type context attached and
// pinned against the table's memory scope, so the context cannot be
// dropped while the table is open.
func (j *Injector) AttachTableColumns(txn vef.Txn, db, table string, fields []*Field, tableScope *vef.Scope) error {
	if _, ok := systemDBs[strings.ToLower(db)]; ok {
		return nil
	}
	if !j.vic.Ready() {
		return nil
	}
	for _, f := range fields {
		col, ok := j.vic.ColumnFor(txn, db, table, f.Name)
		if !ok {
			continue
		}
		ctx, err := j.vic.AcquireOrCreateTypeContext(col.TypeName, col.ExtensionName, col.ExtensionVersion, nil, tableScope)
		if err != nil {
			j.log.Error("column references a type with no committed descriptor",
				zap.String("db", db), zap.String("table", table), zap.String("column", f.Name),
				zap.Error(err))
			return vef.ErrCheckErrorLog
		}
		f.DB, f.Table = db, table
		f.Ctx = ctx
	}
	return nil
}

// ResolveTypeName resolves a parse-tree type name, qualified as
// "extension.type" or bare, to a pinned type context. The parser reports
// resolution failure as a syntax error at the name's position.
func (j *Injector) ResolveTypeName(name string, scope *vef.Scope) (*victionary.TypeContext, error) {
	if !j.vic.Ready() {
		return nil, vef.ErrNotInitialized
	}
	if ext, typ, ok := strings.Cut(name, "."); ok {
		entry, found := j.vic.ExtensionCommitted(ext)
		if !found {
			return nil, fmt.Errorf("inject: unknown type %q: %w", name, vef.ErrNotInstalled)
		}
		return j.vic.AcquireOrCreateTypeContext(typ, entry.Key.Name(), entry.Version, nil, scope)
	}
	matches := j.vic.TypeDescriptorsNamed(name)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("inject: unknown type %q", name)
	case 1:
		td := matches[0]
		return j.vic.AcquireOrCreateTypeContext(td.Key.Type(), td.Key.Extension(), td.Key.Version(), nil, scope)
	default:
		return nil, fmt.Errorf("inject: type name %q is ambiguous across %d extensions; qualify it", name, len(matches))
	}
}

// ResolveParameterizedType resolves a type name applied with parameters,
// e.g. a vector dimension. The parameter list is serialized into the
// context key, so each distinct parameterisation is its own context.
func (j *Injector) ResolveParameterizedType(name string, params []any, scope *vef.Scope) (*victionary.TypeContext, error) {
	blob, err := victionary.EncodeParams(params...)
	if err != nil {
		return nil, err
	}
	base, err := j.ResolveTypeName(name, scope)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return base, nil
	}
	return j.vic.AcquireOrCreateTypeContext(base.Key.Type(), base.Key.Extension(), base.Key.Version(), blob, scope)
}

// Literal is a string literal under semantic analysis.
type Literal struct {
	Value []byte
	Ctx   *victionary.TypeContext
}

// InjectLiteral attaches the column's context to a string literal compared
// against an extension-typed column and replaces its value with the binary
// form produced by the type's encode function.
func (j *Injector) InjectLiteral(col *Field, lit *Literal) error {
	if col.Ctx == nil {
		return nil
	}
	enc, err := col.Ctx.EncodeText(lit.Value)
	if err != nil {
		return &vef.WrongValueError{Type: col.Ctx.TypeName(), Value: string(lit.Value)}
	}
	lit.Ctx = col.Ctx
	lit.Value = enc
	return nil
}

// Value is an expression result being stored into a column.
type Value struct {
	// Ctx is non-nil for a custom-typed value.
	Ctx *victionary.TypeContext
	// IsString marks a plain string value.
	IsString bool
	// Bytes is the persisted form for custom values, the text for strings.
	Bytes []byte
	// LengthPrefix counts VARCHAR length-prefix bytes at the front of
	// Bytes, 0 when none.
	LengthPrefix int
}

// AssignToColumn validates one store into an extension-typed column and
// returns the bytes to persist:
//
//   - a value of the same type context is copied binary, with any VARCHAR
//     length prefix stripped;
//   - a custom-typed value of a different context is refused;
//   - a plain string is encoded through the target type, pushing a
//     truncation warning when the encoded form is cut to the persisted
//     length;
//   - anything else is blocked, naming the target column and type.
func (j *Injector) AssignToColumn(target *Field, v Value, warn vef.Warnings) ([]byte, error) {
	if target.Ctx == nil {
		return nil, fmt.Errorf("inject: column %s.%s.%s has no extension type", target.DB, target.Table, target.Name)
	}
	switch {
	case v.Ctx != nil && v.Ctx.Compatible(target.Ctx):
		return v.Bytes[v.LengthPrefix:], nil
	case v.Ctx != nil:
		return nil, &vef.IncompatibleTypesError{Left: target.Ctx.TypeName(), Right: v.Ctx.TypeName()}
	case v.IsString:
		enc, err := target.Ctx.EncodeText(v.Bytes[v.LengthPrefix:])
		if err != nil {
			return nil, &vef.WrongValueError{Type: target.Ctx.TypeName(), Value: string(v.Bytes[v.LengthPrefix:])}
		}
		if max := target.Ctx.Desc.PersistedLength; max > 0 && len(enc) > max {
			warn.Push(vef.WarnTruncated, fmt.Sprintf("value truncated for column %q", target.Name))
			enc = enc[:max]
		}
		return enc, nil
	default:
		return nil, &vef.WrongUsageError{
			What: fmt.Sprintf("assignment to column %q", target.Name),
			With: target.Ctx.TypeName(),
		}
	}
}

// CompareValues orders two persisted values of one context ascending with
// the type's compare function. Descending order is the caller's job.
func (j *Injector) CompareValues(ctx *victionary.TypeContext, a, b []byte) int {
	return ctx.CompareBinary(a, b)
}

// HashValue hashes a persisted value, preferring the type's hash function
// over binary hashing.
func (j *Injector) HashValue(ctx *victionary.TypeContext, data []byte) uint64 {
	return ctx.HashBinary(data)
}

// StatementContext classifies where an expression occurs. The current
// revision rejects extension-typed values everywhere but regular
// statements.
type StatementContext int

const (
	StmtRegular StatementContext = iota
	StmtPrepared
	StmtTrigger
	StmtStoredRoutine
)

// String names the context for error messages.
func (s StatementContext) String() string {
	switch s {
	case StmtRegular:
		return "statement"
	case StmtPrepared:
		return "prepared statement"
	case StmtTrigger:
		return "trigger"
	case StmtStoredRoutine:
		return "stored routine"
	}
	return fmt.Sprintf("inject.StatementContext(%d)", int(s))
}

// CheckStatementContext rejects extension-typed use outside regular
// statements. pinned, when non-nil, is released on the failing path so a
// rejected prepare does not leak an acquisition.
func (j *Injector) CheckStatementContext(stmt StatementContext, ctx *victionary.TypeContext, pinned *vef.Scope) error {
	if stmt == StmtRegular || ctx == nil {
		return nil
	}
	if pinned != nil {
		pinned.Close()
	}
	return &vef.WrongUsageError{What: stmt.String(), With: ctx.TypeName()}
}

// PropagateToTempTable copies the type contexts of a result set's columns
// onto temp-table columns, independently acquiring each against the temp
// table's memory scope.
func (j *Injector) PropagateToTempTable(src []*Field, tmpDB, tmpTable string, tmpScope *vef.Scope) ([]*Field, error) {
	out := make([]*Field, len(src))
	for i, f := range src {
		cp := &Field{DB: tmpDB, Table: tmpTable, Name: f.Name, Length: f.Length}
		if f.Ctx != nil {
			ctx, ok := j.vic.AcquireTypeContext(f.Ctx.Key.Type(), f.Ctx.Key.Extension(), f.Ctx.Key.Version(), f.Ctx.Key.Params(), tmpScope)
			if !ok {
				return nil, fmt.Errorf("inject: type context for column %q vanished", f.Name)
			}
			cp.Ctx = ctx
		}
		out[i] = cp
	}
	return out, nil
}
