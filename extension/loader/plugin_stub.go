//go:build !linux && !darwin

package loader

import (
	"errors"
	"runtime"
)

// PluginOpener is unavailable on platforms without a dynamic plugin
// loader.
type PluginOpener struct{}

// Open always fails on this platform.
func (PluginOpener) Open(string) (Library, error) {
	return nil, errors.New("loader: dynamic extension loading is not supported on " + runtime.GOOS)
}
