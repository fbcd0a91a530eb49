// Package vefabi is the stable boundary between the server and extension
// shared libraries. Extensions export two symbols, VefRegister and VefUnregister;
// everything else crosses the boundary inside the plain structs defined
// here. Extensions never see host-private structures.
package vefabi

import "fmt"

// Protocol is the ABI protocol version the host speaks. An extension built
// against any other protocol version is refused at handshake.
const Protocol uint32 = 1

// Symbol names every extension library must export.
const (
	SymRegister   = "VefRegister"
	SymUnregister = "VefUnregister"
)

// RegisterFunc is the registration entry point resolved from the library.
type RegisterFunc func(*RegisterArg) (*Registration, error)

// UnregisterFunc frees all extension-owned memory from the registration.
type UnregisterFunc func(*UnregisterArg, *Registration) error

// RegisterArg is passed to the registration entry point.
type RegisterArg struct {
	// Protocol is the host's ABI protocol version.
	Protocol uint32
}

// UnregisterArg is passed to the unregistration entry point.
type UnregisterArg struct {
	Protocol uint32
}

// Registration describes everything one extension contributes.
type Registration struct {
	// Protocol is the ABI protocol version the extension was built against.
	Protocol uint32
	// Name is the extension name, UTF-8.
	Name string
	// Version is the extension version, a UTF-8 semver string.
	Version string
	// Types are the contributed type descriptors.
	Types []TypeDescriptor
	// Functions are the contributed scalar functions.
	Functions []FuncDescriptor
}

// TypeTag tags an argument or return type in a function signature and a
// value in the per-row argument array.
type TypeTag int

const (
	TagString TypeTag = iota
	TagReal
	TagInt
	TagCustom
)

// String returns the tag name for diagnostics.
func (t TypeTag) String() string {
	switch t {
	case TagString:
		return "STRING"
	case TagReal:
		return "REAL"
	case TagInt:
		return "INT"
	case TagCustom:
		return "CUSTOM"
	}
	return fmt.Sprintf("vefabi.TypeTag(%d)", int(t))
}

// TypeRef is one slot of a function signature. Custom names the extension
// type when Tag is TagCustom.
type TypeRef struct {
	Tag    TypeTag
	Custom string
}

// String formats the reference for error messages.
func (r TypeRef) String() string {
	if r.Tag == TagCustom {
		return "CUSTOM(" + r.Custom + ")"
	}
	return r.Tag.String()
}

// FieldKind selects the host field implementation backing a persisted value
// of an extension type.
type FieldKind int

const (
	// FieldFixedBinary stores the encoded value in a fixed-width binary
	// field of the type's persisted length.
	FieldFixedBinary FieldKind = iota
	// FieldVarBinary stores the encoded value in a length-prefixed
	// variable-width binary field.
	FieldVarBinary
)

// EncodeFunc converts the textual form of a value into its persisted binary
// form. params is the context's opaque parameter blob.
type EncodeFunc func(params, text []byte) ([]byte, error)

// DecodeFunc converts the persisted binary form back into text. buf has at
// least the type's declared maximum decode length; the returned slice may
// alias it.
type DecodeFunc func(params, data, buf []byte) ([]byte, error)

// CompareFunc orders two persisted values ascending: negative, zero or
// positive. Descending order is applied by the caller, never by the type.
type CompareFunc func(params, a, b []byte) int

// HashFunc hashes a persisted value. Optional: types whose encode
// canonicalises equal values to identical bytes may leave it nil and get
// binary hashing.
type HashFunc func(params, data []byte) uint64

// TypeDescriptor declares one extension-contributed type.
type TypeDescriptor struct {
	// Name is the type name, UTF-8.
	Name string
	// PersistedLength is the fixed byte size of an encoded value, or -1
	// for variable length.
	PersistedLength int
	// MaxDecodeLength bounds the textual form produced by Decode.
	MaxDecodeLength int
	// Field selects the host field implementation.
	Field FieldKind

	Encode  EncodeFunc  // required
	Decode  DecodeFunc  // required
	Compare CompareFunc // required
	Hash    HashFunc    // optional
}

// PrivateState is the per-statement state handed to prerun, every row call
// and postrun of one function invocation.
type PrivateState struct {
	// State is extension-private; prerun may set it, postrun frees it.
	State any
	// ResultBufferSize is the host's planned result buffer size. Prerun may
	// raise it.
	ResultBufferSize int
}

// PrerunFunc runs once per statement before any row. A returned error
// aborts the statement with an initialization failure carrying its message.
type PrerunFunc func(ps *PrivateState) error

// PostrunFunc runs once per statement after the last row, including on
// error paths, whenever prerun ran.
type PostrunFunc func(ps *PrivateState)

// RowFunc is the required per-row entry point. args follow the declared
// signature; the extension fills res with a value, SQL NULL, or an error.
type RowFunc func(ps *PrivateState, args []Value, res *Result)

// FuncDescriptor declares one extension-defined scalar function.
type FuncDescriptor struct {
	// Name is the bare function name; the host registers it qualified as
	// "extension.name".
	Name string
	// Params declares the argument types.
	Params []TypeRef
	// Return declares the result type.
	Return TypeRef

	VDF     RowFunc     // required
	Prerun  PrerunFunc  // optional
	Postrun PostrunFunc // optional
}

// Value is one marshalled argument. The field selected by Tag is valid;
// Null overrides all of them.
type Value struct {
	Tag  TypeTag
	Null bool
	// Bytes carries TagString text and TagCustom persisted binary.
	Bytes []byte
	Real  float64
	Int   int64
}

// ResultKind discriminates the per-row result.
type ResultKind int

const (
	ResultValue ResultKind = iota
	ResultNull
	ResultError
)

// Result receives one row's result. For string and custom returns the host
// provides Buffer with a size hint; the extension either writes through
// SetBytes or points at its own memory with SetAlternate. Alternate memory
// must stay valid until the next row call or until postrun.
type Result struct {
	Kind ResultKind

	// Buffer is the caller-provided growable result buffer.
	Buffer []byte
	// n is the used length of Buffer.
	n int
	// alt points at extension-owned memory when the extension returned
	// zero-copy.
	alt []byte

	Real    float64
	Int     int64
	Message string
}

// SetBytes copies b into the caller buffer, growing it as needed.
func (r *Result) SetBytes(b []byte) {
	r.Kind = ResultValue
	r.alt = nil
	if cap(r.Buffer) < len(b) {
		r.Buffer = make([]byte, len(b))
	}
	r.Buffer = r.Buffer[:len(b)]
	copy(r.Buffer, b)
	r.n = len(b)
}

// SetAlternate records a zero-copy result living in extension memory.
func (r *Result) SetAlternate(b []byte) {
	r.Kind = ResultValue
	r.alt = b
}

// SetReal records a REAL result.
func (r *Result) SetReal(v float64) {
	r.Kind = ResultValue
	r.Real = v
}

// SetInt records an INT result.
func (r *Result) SetInt(v int64) {
	r.Kind = ResultValue
	r.Int = v
}

// SetNull records SQL NULL.
func (r *Result) SetNull() { r.Kind = ResultNull }

// SetError records an error with the extension's message.
func (r *Result) SetError(msg string) {
	r.Kind = ResultError
	r.Message = msg
}

// Bytes returns the string/custom result bytes, from the alternate buffer
// when the extension returned zero-copy.
func (r *Result) Bytes() []byte {
	if r.alt != nil {
		return r.alt
	}
	return r.Buffer[:r.n]
}

// Reset prepares the result for the next row, keeping the buffer.
func (r *Result) Reset() {
	r.Kind = ResultValue
	r.alt = nil
	r.n = 0
	r.Real = 0
	r.Int = 0
	r.Message = ""
}
