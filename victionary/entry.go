package victionary

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/villagesql/vef/extension/vefabi"
)

// Entry is a catalog record: an immutable key plus a payload. Committed
// entries are owned by the catalog through their use-count; acquisition
// pins them against a cleanup scope.
type Entry interface {
	// EntryKey returns the normalized key string.
	EntryKey() string
	refcount() *atomic.Int64
}

// refs is the shared use-count. Committed ownership holds exactly one
// reference; every live acquisition holds one more.
type refs struct {
	n atomic.Int64
}

func (r *refs) refcount() *atomic.Int64 { return &r.n }

// UseCount returns the current use-count. One means the catalog is the only
// owner.
func (r *refs) UseCount() int64 { return r.n.Load() }

// Property is a persistent schema-metadata row, e.g. the stored schema
// version.
type Property struct {
	refs
	Key         PropertyKey
	Value       string
	Description string
}

// NewProperty returns a property entry owned once.
func NewProperty(key PropertyKey, value, description string) *Property {
	p := &Property{Key: key, Value: value, Description: description}
	p.n.Store(1)
	return p
}

// EntryKey returns the normalized key string.
func (p *Property) EntryKey() string { return p.Key.Str() }

// Column is a persistent row recording that a user column uses an
// extension-defined type.
type Column struct {
	refs
	Key              ColumnKey
	ExtensionName    string
	ExtensionVersion string
	TypeName         string
}

// NewColumn returns a column entry owned once.
func NewColumn(key ColumnKey, extension, version, typeName string) *Column {
	c := &Column{Key: key, ExtensionName: extension, ExtensionVersion: version, TypeName: typeName}
	c.n.Store(1)
	return c
}

// EntryKey returns the normalized key string.
func (c *Column) EntryKey() string { return c.Key.Str() }

// Extension is a persistent row recording an installed extension and the
// fingerprint of the exact archive bytes installed.
type Extension struct {
	refs
	Key           ExtensionKey
	Version       string
	ArchiveSHA256 string
}

// NewExtension returns an extension entry owned once.
func NewExtension(key ExtensionKey, version, sha256hex string) *Extension {
	e := &Extension{Key: key, Version: version, ArchiveSHA256: sha256hex}
	e.n.Store(1)
	return e
}

// EntryKey returns the normalized key string.
func (e *Extension) EntryKey() string { return e.Key.Str() }

// TypeDescriptor is the memory-only record of an extension-contributed
// type: persistence geometry plus the behaviour functions from the loaded
// library. Rebuilt from the registration table at startup.
type TypeDescriptor struct {
	refs
	Key             TypeKey
	PersistedLength int // fixed byte size, or -1 for variable
	MaxDecodeLength int
	Field           vefabi.FieldKind

	Encode  vefabi.EncodeFunc
	Decode  vefabi.DecodeFunc
	Compare vefabi.CompareFunc
	Hash    vefabi.HashFunc // nil permitted
}

// NewTypeDescriptor builds the catalog record for one declared type.
func NewTypeDescriptor(key TypeKey, d vefabi.TypeDescriptor) *TypeDescriptor {
	td := &TypeDescriptor{
		Key:             key,
		PersistedLength: d.PersistedLength,
		MaxDecodeLength: d.MaxDecodeLength,
		Field:           d.Field,
		Encode:          d.Encode,
		Decode:          d.Decode,
		Compare:         d.Compare,
		Hash:            d.Hash,
	}
	td.n.Store(1)
	return td
}

// EntryKey returns the normalized key string.
func (t *TypeDescriptor) EntryKey() string { return t.Key.Str() }

// ExtensionDescriptor is the memory-only live binding to a loaded library.
type ExtensionDescriptor struct {
	refs
	Key DescriptorKey
	// Seq orders descriptors by registration time; teardown unloads in
	// reverse Seq order.
	Seq int64
	// Registration is the raw table returned by the library.
	Registration *vefabi.Registration
	// Unregister calls the library's unregistration entry point.
	Unregister func() error
	// Close unloads the library.
	Close func() error
}

var descSeq atomic.Int64

// NewExtensionDescriptor returns a descriptor entry owned once.
func NewExtensionDescriptor(key DescriptorKey, reg *vefabi.Registration, unregister, close func() error) *ExtensionDescriptor {
	d := &ExtensionDescriptor{Key: key, Seq: descSeq.Add(1), Registration: reg, Unregister: unregister, Close: close}
	d.n.Store(1)
	return d
}

// EntryKey returns the normalized key string.
func (d *ExtensionDescriptor) EntryKey() string { return d.Key.Str() }

// TypeContext is a usable, possibly parameterised instance of a type. It is
// what gets attached to columns, literals and expression nodes. It holds a
// non-owning pointer to its descriptor; both are dropped in the same
// uninstall transaction, so the context never outlives the descriptor.
type TypeContext struct {
	refs
	Key  ContextKey
	Desc *TypeDescriptor
}

// NewTypeContext returns a context entry owned once.
func NewTypeContext(key ContextKey, desc *TypeDescriptor) *TypeContext {
	c := &TypeContext{Key: key, Desc: desc}
	c.n.Store(1)
	return c
}

// EntryKey returns the normalized key string.
func (c *TypeContext) EntryKey() string { return c.Key.Str() }

// TypeName returns the type name as written.
func (c *TypeContext) TypeName() string { return c.Key.Type() }

// ExtensionName returns the owning extension name as written.
func (c *TypeContext) ExtensionName() string { return c.Key.Extension() }

// Compatible reports whether two contexts name the same
// (type, extension, version) triple. Parameters do not affect
// compatibility; they are preserved for the behaviour functions.
func (c *TypeContext) Compatible(o *TypeContext) bool {
	if c == nil || o == nil {
		return false
	}
	return c.Desc.Key.Str() == o.Desc.Key.Str()
}

// EncodeText converts the textual form of a value to its persisted binary
// form using the type's encode function and this context's parameters.
func (c *TypeContext) EncodeText(text []byte) ([]byte, error) {
	return c.Desc.Encode(c.Key.Params(), text)
}

// DecodeBinary converts a persisted binary value back to text.
func (c *TypeContext) DecodeBinary(data []byte) ([]byte, error) {
	buf := make([]byte, c.Desc.MaxDecodeLength)
	return c.Desc.Decode(c.Key.Params(), data, buf)
}

// CompareBinary orders two persisted values ascending.
func (c *TypeContext) CompareBinary(a, b []byte) int {
	return c.Desc.Compare(c.Key.Params(), a, b)
}

// HashBinary hashes a persisted value with the type's hash function, or
// with binary FNV-1a hashing when the type does not provide one.
func (c *TypeContext) HashBinary(data []byte) uint64 {
	if c.Desc.Hash != nil {
		return c.Desc.Hash(c.Key.Params(), data)
	}
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
