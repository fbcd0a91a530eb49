//go:build linux || darwin

package loader

import "plugin"

// PluginOpener opens libraries with the platform dynamic loader. Go's
// plugin loader binds lazily and keeps plugin symbols out of the host
// namespace, matching the local-symbols contract of the ABI.
type PluginOpener struct{}

type pluginLibrary struct {
	p *plugin.Plugin
}

// Open opens the shared library at path.
func (PluginOpener) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return &pluginLibrary{p: p}, nil
}

// Lookup resolves an exported symbol.
func (l *pluginLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// Close is a no-op: the platform loader does not support unloading a
// mapped plugin, so the mapping stays until process exit. The catalog
// still drops every reference to the registration.
func (l *pluginLibrary) Close() error { return nil }
