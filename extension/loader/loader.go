// Package loader opens extension shared libraries, resolves the two
// required ABI symbols, and performs the registration handshake.
package loader

import (
	"errors"
	"fmt"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/extension/vefabi"
	"github.com/villagesql/vef/schema/identifier"
	"github.com/villagesql/vef/semver"
)

// Library is an opened shared library.
type Library interface {
	// Lookup resolves an exported symbol by name.
	Lookup(symbol string) (any, error)
	// Close unloads the library.
	Close() error
}

// Opener opens libraries. The default is the platform dynamic loader;
// tests and embedded extensions supply their own.
type Opener interface {
	Open(path string) (Library, error)
}

// Loaded is a live, validated extension binding.
type Loaded struct {
	Registration *vefabi.Registration
	// Version is the registration version, parsed.
	Version semver.Version

	lib        Library
	unregister vefabi.UnregisterFunc
}

// Load opens the library at path, resolves the registration and
// unregistration entry points, calls registration with the host protocol
// version, and validates the returned table against the expected extension
// name.
func Load(op Opener, path, name string) (*Loaded, error) {
	lib, err := op.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	reg, unreg, err := resolve(lib)
	if err != nil {
		_ = lib.Close()
		return nil, fmt.Errorf("loader: %s: %w", path, err)
	}
	table, err := reg(&vefabi.RegisterArg{Protocol: vefabi.Protocol})
	if err != nil {
		_ = lib.Close()
		return nil, fmt.Errorf("loader: %s: register: %w", path, err)
	}
	if table == nil {
		_ = lib.Close()
		return nil, fmt.Errorf("loader: %s: register returned no table", path)
	}
	ver, err := Validate(table, name)
	if err != nil {
		_ = unreg(&vefabi.UnregisterArg{Protocol: vefabi.Protocol}, table)
		_ = lib.Close()
		return nil, err
	}
	return &Loaded{
		Registration: table,
		Version:      ver,
		lib:          lib,
		unregister:   unreg,
	}, nil
}

// resolve looks up the two required symbols and checks their types. A
// library may export either the named ABI function type or the bare
// signature; both resolve.
func resolve(lib Library) (vefabi.RegisterFunc, vefabi.UnregisterFunc, error) {
	sym, err := lib.Lookup(vefabi.SymRegister)
	if err != nil {
		return nil, nil, fmt.Errorf("missing symbol %s: %w", vefabi.SymRegister, err)
	}
	var reg vefabi.RegisterFunc
	switch fn := sym.(type) {
	case vefabi.RegisterFunc:
		reg = fn
	case func(*vefabi.RegisterArg) (*vefabi.Registration, error):
		reg = fn
	default:
		return nil, nil, fmt.Errorf("symbol %s has wrong type %T", vefabi.SymRegister, sym)
	}
	sym, err = lib.Lookup(vefabi.SymUnregister)
	if err != nil {
		return nil, nil, fmt.Errorf("missing symbol %s: %w", vefabi.SymUnregister, err)
	}
	var unreg vefabi.UnregisterFunc
	switch fn := sym.(type) {
	case vefabi.UnregisterFunc:
		unreg = fn
	case func(*vefabi.UnregisterArg, *vefabi.Registration) error:
		unreg = fn
	default:
		return nil, nil, fmt.Errorf("symbol %s has wrong type %T", vefabi.SymUnregister, sym)
	}
	return reg, unreg, nil
}

// Validate checks one registration table: the reported name matches the
// archive name, the protocol is the host's, the version parses, every type
// carries its required behaviour functions, and every function declares a
// coherent signature.
func Validate(table *vefabi.Registration, name string) (semver.Version, error) {
	if table.Protocol != vefabi.Protocol {
		return semver.Version{}, fmt.Errorf("loader: %s: built against ABI protocol %d, host speaks %d", name, table.Protocol, vefabi.Protocol)
	}
	if identifier.Normalize(identifier.Extension, table.Name, vef.CasePreserve) !=
		identifier.Normalize(identifier.Extension, name, vef.CasePreserve) {
		return semver.Version{}, fmt.Errorf("loader: archive %s declares extension name %q", name, table.Name)
	}
	ver, err := semver.Parse(table.Version)
	if err != nil {
		return semver.Version{}, fmt.Errorf("loader: %s: declared version: %w", name, err)
	}
	for i := range table.Types {
		td := &table.Types[i]
		if td.Name == "" {
			return semver.Version{}, fmt.Errorf("loader: %s: type %d has no name", name, i)
		}
		if td.Encode == nil || td.Decode == nil || td.Compare == nil {
			return semver.Version{}, fmt.Errorf("loader: %s: type %s must declare encode, decode and compare", name, td.Name)
		}
		if td.PersistedLength < -1 || td.PersistedLength == 0 {
			return semver.Version{}, fmt.Errorf("loader: %s: type %s: persisted length must be positive or -1", name, td.Name)
		}
		if td.MaxDecodeLength <= 0 {
			return semver.Version{}, fmt.Errorf("loader: %s: type %s: max decode length must be positive", name, td.Name)
		}
	}
	for i := range table.Functions {
		fd := &table.Functions[i]
		if fd.Name == "" {
			return semver.Version{}, fmt.Errorf("loader: %s: function %d has no name", name, i)
		}
		if fd.VDF == nil {
			return semver.Version{}, fmt.Errorf("loader: %s: function %s has no row entry point", name, fd.Name)
		}
		if err := checkRef(fd.Return); err != nil {
			return semver.Version{}, fmt.Errorf("loader: %s: function %s return: %w", name, fd.Name, err)
		}
		for j, p := range fd.Params {
			if err := checkRef(p); err != nil {
				return semver.Version{}, fmt.Errorf("loader: %s: function %s parameter %d: %w", name, fd.Name, j, err)
			}
		}
	}
	return ver, nil
}

func checkRef(r vefabi.TypeRef) error {
	switch r.Tag {
	case vefabi.TagString, vefabi.TagReal, vefabi.TagInt:
		return nil
	case vefabi.TagCustom:
		if r.Custom == "" {
			return errors.New("custom type reference has no name")
		}
		return nil
	}
	return fmt.Errorf("unknown type tag %d", int(r.Tag))
}

// Unregister calls the library's unregistration entry point.
func (l *Loaded) Unregister() error {
	if l.unregister == nil {
		return nil
	}
	return l.unregister(&vefabi.UnregisterArg{Protocol: vefabi.Protocol}, l.Registration)
}

// Close unloads the library.
func (l *Loaded) Close() error {
	if l.lib == nil {
		return nil
	}
	return l.lib.Close()
}
