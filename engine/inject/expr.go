package inject

import (
	"github.com/villagesql/vef"
	"github.com/villagesql/vef/victionary"
)

// FuncKind classifies an expression node for the allowed-operation check.
// The shape follows the expression trees the optimizer hands the walker.
type FuncKind int

const (
	// KindValue is a leaf: a literal or a column reference.
	KindValue FuncKind = iota
	// KindEq covers =, <> and <=>.
	KindEq
	// KindOrder covers <, <=, > and >=.
	KindOrder
	KindBetween
	KindIn
	KindCase
	KindNullIf
	KindCoalesce
	KindIsNull
	// KindVDF is an extension-defined function call; its signature is
	// validated by the call convention, not here.
	KindVDF
	// KindOther is every remaining built-in, including aggregates.
	KindOther
)

// Node is one expression tree node presented to the walker.
type Node struct {
	kind     FuncKind
	name     string
	ctx      *victionary.TypeContext
	children []*Node
}

// NewValue returns a leaf carrying an optional type context.
func NewValue(name string, ctx *victionary.TypeContext) *Node {
	return &Node{kind: KindValue, name: name, ctx: ctx}
}

// NewColumn returns a leaf for a column reference.
func NewColumn(f *Field) *Node {
	return &Node{kind: KindValue, name: f.Name, ctx: f.Ctx}
}

// NewCall returns a function node.
func NewCall(kind FuncKind, name string, children ...*Node) *Node {
	return &Node{kind: kind, name: name, children: children}
}

// Ctx returns the node's attached type context, set for leaves at
// construction and for permitted pass-through functions by CheckExpr.
func (n *Node) Ctx() *victionary.TypeContext { return n.ctx }

// Name returns the node label used in error messages.
func (n *Node) Name() string { return n.name }

// CheckExpr walks the expression post-order and permits only the closed
// set of operations on extension-typed operands: equality and ordering
// between values of one context, BETWEEN/IN/CASE/NULLIF/COALESCE over one
// context, IS [NOT] NULL, and extension-defined functions. Everything
// else, aggregates included, is rejected with a wrong-usage error.
//
// Pass-through functions (CASE, NULLIF, COALESCE) get the operand context
// attached so enclosing nodes see it.
func (j *Injector) CheckExpr(root *Node) error {
	return j.checkNode(root)
}

func (j *Injector) checkNode(n *Node) error {
	for _, c := range n.children {
		if err := j.checkNode(c); err != nil {
			return err
		}
	}
	var first *victionary.TypeContext
	mixed := false
	anyCustom := false
	for _, c := range n.children {
		if c.ctx == nil {
			continue
		}
		anyCustom = true
		if first == nil {
			first = c.ctx
		} else if !first.Compatible(c.ctx) {
			mixed = true
		}
	}
	if !anyCustom {
		return nil
	}
	switch n.kind {
	case KindValue:
		return nil
	case KindEq, KindOrder, KindBetween, KindIn:
		if mixed || j.hasPlainOperand(n) {
			return j.incompatible(n, first)
		}
		return nil
	case KindCase, KindNullIf, KindCoalesce:
		if mixed || j.hasPlainOperand(n) {
			return j.incompatible(n, first)
		}
		// The result carries the operand type.
		n.ctx = first
		return nil
	case KindIsNull:
		return nil
	case KindVDF:
		// Signature checking happens in the call convention.
		return nil
	default:
		return &vef.WrongUsageError{What: n.name, With: first.TypeName()}
	}
}

// hasPlainOperand reports a non-custom operand mixed into a node that also
// has custom operands. Literals compared against typed columns have been
// encoded and context-attached before this walk, so a remaining plain
// operand is a genuine type error.
func (j *Injector) hasPlainOperand(n *Node) bool {
	for _, c := range n.children {
		if c.ctx == nil {
			return true
		}
	}
	return false
}

func (j *Injector) incompatible(n *Node, first *victionary.TypeContext) error {
	other := "non-extension operand"
	for _, c := range n.children {
		if c.ctx != nil && !c.ctx.Compatible(first) {
			other = c.ctx.TypeName()
			break
		}
	}
	return &vef.IncompatibleTypesError{Left: first.TypeName(), Right: other}
}
