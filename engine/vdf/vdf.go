// Package vdf implements the calling convention for extension-defined
// scalar functions: fix-fields argument validation, the optional
// per-statement prerun/postrun bracket, per-row marshalling, and result
// buffer management.
package vdf

import (
	"fmt"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/extension/vefabi"
	"github.com/villagesql/vef/victionary"
)

// MaxErrorLen bounds extension error messages before they surface as
// warnings.
const MaxErrorLen = 512

// defaultBufSize is the result buffer hint when neither the return type
// nor prerun asks for more.
const defaultBufSize = 255

// State tracks one invocation through its statement lifecycle.
type State int

const (
	StateInitialized State = iota
	StateFixed
	StateActive
	StateFinalized
)

// Definition binds one declared extension function to the catalog. The
// host function registry maps the qualified "extension.function" name to
// one of these.
type Definition struct {
	Qualified string
	Extension string
	Version   string
	Desc      vefabi.FuncDescriptor

	catalog *victionary.Victionary
}

// NewDefinition builds a Definition for the host registry.
func NewDefinition(qualified, extension, version string, desc vefabi.FuncDescriptor, catalog *victionary.Victionary) *Definition {
	return &Definition{
		Qualified: qualified,
		Extension: extension,
		Version:   version,
		Desc:      desc,
		catalog:   catalog,
	}
}

// InArg describes one call argument at fix-fields time.
type InArg struct {
	// IsNull marks the NULL literal.
	IsNull bool
	// Literal holds a string literal constant; IsLiteral distinguishes an
	// empty literal from an expression.
	IsLiteral bool
	Literal   []byte
	// Ctx is the attached type context of a custom-typed expression.
	Ctx *victionary.TypeContext
	// Tag is the value tag of a plain expression argument.
	Tag vefabi.TypeTag
}

// boundArg is a validated parameter slot.
type boundArg struct {
	// encoded is the pre-encoded literal constant, used for every row.
	encoded []byte
	literal bool
	null    bool
}

// Call is one per-statement invocation of a function.
type Call struct {
	def   *Definition
	state State
	ps    vefabi.PrivateState
	res   vefabi.Result
	bound []boundArg
	warn  vef.Warnings
	// ReturnCtx is attached to the call expression when the declared
	// return type is custom.
	ReturnCtx *victionary.TypeContext

	preran bool
}

// Bind validates and converts the call arguments against the declared
// signature (the fix-fields phase) and returns a Call in StateFixed.
//
// For a parameter declared as a specific extension type the caller must
// supply NULL, a value whose attached context names that type, or a string
// literal constant, which is encoded through the declared type here. Any
// other combination is rejected.
func (d *Definition) Bind(args []InArg, scope *vef.Scope, warn vef.Warnings) (*Call, error) {
	if len(args) != len(d.Desc.Params) {
		return nil, fmt.Errorf("vdf: %s expects %d arguments, got %d", d.Qualified, len(d.Desc.Params), len(args))
	}
	c := &Call{def: d, warn: warn, bound: make([]boundArg, len(args))}
	for i, declared := range d.Desc.Params {
		in := args[i]
		if in.IsNull {
			c.bound[i] = boundArg{null: true}
			continue
		}
		switch declared.Tag {
		case vefabi.TagCustom:
			declCtx, err := d.catalog.AcquireOrCreateTypeContext(declared.Custom, d.Extension, d.Version, nil, scope)
			if err != nil {
				return nil, fmt.Errorf("vdf: %s argument %d: %w", d.Qualified, i+1, err)
			}
			switch {
			case in.Ctx != nil:
				if !in.Ctx.Compatible(declCtx) {
					return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Ctx.TypeName()}
				}
			case in.IsLiteral:
				enc, err := declCtx.EncodeText(in.Literal)
				if err != nil {
					return nil, &vef.WrongValueError{Type: declared.Custom, Value: string(in.Literal)}
				}
				c.bound[i] = boundArg{literal: true, encoded: enc}
			default:
				return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Tag.String()}
			}
		case vefabi.TagString:
			if in.Ctx != nil {
				return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Ctx.TypeName()}
			}
			if !in.IsLiteral && in.Tag != vefabi.TagString {
				return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Tag.String()}
			}
			if in.IsLiteral {
				c.bound[i] = boundArg{literal: true, encoded: in.Literal}
			}
		case vefabi.TagReal, vefabi.TagInt:
			if in.Ctx != nil {
				return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Ctx.TypeName()}
			}
			if in.IsLiteral || in.Tag != declared.Tag {
				return nil, &vef.IncompatibleTypesError{Left: declared.String(), Right: in.Tag.String()}
			}
		}
	}
	if d.Desc.Return.Tag == vefabi.TagCustom {
		ctx, err := d.catalog.AcquireOrCreateTypeContext(d.Desc.Return.Custom, d.Extension, d.Version, nil, scope)
		if err != nil {
			return nil, fmt.Errorf("vdf: %s return type: %w", d.Qualified, err)
		}
		c.ReturnCtx = ctx
	}
	c.state = StateFixed
	return c, nil
}

// Begin runs the optional prerun once per statement and sizes the result
// buffer. A prerun failure finalizes the call and surfaces as an
// initialization error.
func (c *Call) Begin() error {
	if c.state != StateFixed {
		return fmt.Errorf("vdf: %s: begin in state %d", c.def.Qualified, c.state)
	}
	c.ps.ResultBufferSize = c.bufferHint()
	if c.def.Desc.Prerun != nil {
		if err := c.def.Desc.Prerun(&c.ps); err != nil {
			c.preran = true
			c.Finish()
			return &vef.InitializeError{Function: c.def.Qualified, Message: truncate(err.Error())}
		}
		c.preran = true
	}
	if c.ps.ResultBufferSize < c.bufferHint() {
		c.ps.ResultBufferSize = c.bufferHint()
	}
	c.res.Buffer = make([]byte, 0, c.ps.ResultBufferSize)
	c.state = StateActive
	return nil
}

// bufferHint derives the planned result buffer size from the declared
// return type.
func (c *Call) bufferHint() int {
	if c.ReturnCtx != nil && c.ReturnCtx.Desc.PersistedLength > 0 {
		return c.ReturnCtx.Desc.PersistedLength
	}
	return defaultBufSize
}

// Row invokes the function for one row. values follow the declared
// signature; slots bound to literal constants at fix-fields time are
// replaced by their pre-encoded values. An extension error is truncated,
// pushed as a warning, and yields SQL NULL.
func (c *Call) Row(values []vefabi.Value) (*vefabi.Result, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("vdf: %s: row call in state %d", c.def.Qualified, c.state)
	}
	if len(values) != len(c.bound) {
		return nil, fmt.Errorf("vdf: %s expects %d arguments, got %d", c.def.Qualified, len(c.bound), len(values))
	}
	for i := range values {
		b := c.bound[i]
		switch {
		case b.null:
			values[i] = vefabi.Value{Tag: c.def.Desc.Params[i].Tag, Null: true}
		case b.literal:
			values[i] = vefabi.Value{Tag: c.def.Desc.Params[i].Tag, Bytes: b.encoded}
		}
	}
	c.res.Reset()
	c.def.Desc.VDF(&c.ps, values, &c.res)
	if c.res.Kind == vefabi.ResultError {
		c.warn.Push(vef.WarnUDFError, truncate(c.res.Message))
		c.res.Kind = vefabi.ResultNull
	}
	return &c.res, nil
}

// Finish runs the optional postrun and finalizes the call. It runs on
// error paths too, whenever prerun ran, and is idempotent.
func (c *Call) Finish() {
	if c.state == StateFinalized {
		return
	}
	if c.def.Desc.Postrun != nil && (c.preran || c.state == StateActive) {
		c.def.Desc.Postrun(&c.ps)
	}
	c.state = StateFinalized
}

// State returns the invocation state.
func (c *Call) State() State { return c.state }

func truncate(msg string) string {
	if len(msg) > MaxErrorLen {
		return msg[:MaxErrorLen]
	}
	return msg
}
