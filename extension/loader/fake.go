package loader

import (
	"fmt"
	"sync"

	"github.com/villagesql/vef/extension/vefabi"
)

// FakeOpener serves registrations from memory instead of the dynamic
// loader. Tests and embedded builds register libraries by path.
type FakeOpener struct {
	mu   sync.Mutex
	libs map[string]*FakeLibrary
}

// NewFakeOpener returns an empty fake opener.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{libs: make(map[string]*FakeLibrary)}
}

// Add registers a library under path, built from the registration factory.
func (f *FakeOpener) Add(path string, register vefabi.RegisterFunc) *FakeLibrary {
	f.mu.Lock()
	defer f.mu.Unlock()
	lib := &FakeLibrary{register: register}
	f.libs[path] = lib
	return lib
}

// Open returns the library registered under path.
func (f *FakeOpener) Open(path string) (Library, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lib, ok := f.libs[path]
	if !ok {
		return nil, fmt.Errorf("loader: no such library %s", path)
	}
	lib.opens++
	return lib, nil
}

// FakeLibrary is an in-memory Library with call counters.
type FakeLibrary struct {
	register vefabi.RegisterFunc

	opens        int
	Closed       int
	Unregistered int
}

// Lookup resolves the two ABI symbols.
func (l *FakeLibrary) Lookup(symbol string) (any, error) {
	switch symbol {
	case vefabi.SymRegister:
		return (func(*vefabi.RegisterArg) (*vefabi.Registration, error))(l.register), nil
	case vefabi.SymUnregister:
		return func(*vefabi.UnregisterArg, *vefabi.Registration) error {
			l.Unregistered++
			return nil
		}, nil
	}
	return nil, fmt.Errorf("loader: unknown symbol %s", symbol)
}

// Close records the unload.
func (l *FakeLibrary) Close() error {
	l.Closed++
	return nil
}
