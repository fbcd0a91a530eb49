package vef

import (
	"context"
	"sync"
)

// Txn identifies a host transaction. Every SystemTableMap keys its pending
// operations by it. The host hands one to each session; the Victionary mints
// its own for bootstrap work.
type Txn string

// ReleaseFunc releases a lock acquired from the host.
type ReleaseFunc func()

// MDL is the host metadata-lock service, narrowed to the extension-name
// namespace. Install and uninstall take the exclusive lock for statement
// duration; DDL that references an extension-defined type takes the shared
// lock. Lock order is always table first, then extension.
type MDL interface {
	// AcquireExclusive blocks until the exclusive lock on the extension name
	// is held, the context is done, or the host lock-wait timeout fires.
	AcquireExclusive(ctx context.Context, extension string) (ReleaseFunc, error)

	// AcquireShared takes the shared lock on the extension name.
	AcquireShared(ctx context.Context, extension string) (ReleaseFunc, error)
}

// GlobalLocks covers the host locks every DDL statement takes before doing
// work: the shared global-read lock (refused in read-only mode) and the
// shared backup lock (respects backup fences).
type GlobalLocks interface {
	AcquireGlobalRead(ctx context.Context) (ReleaseFunc, error)
	AcquireBackup(ctx context.Context) (ReleaseFunc, error)
}

// TxnHooks lets the framework register callbacks on the host transaction.
// The host MUST invoke the commit hook on commit and the rollback hook on
// rollback of any transaction that touched the Victionary.
type TxnHooks interface {
	OnCommit(txn Txn, fn func() error)
	OnRollback(txn Txn, fn func())
}

// FunctionRegistry is the host's scalar-function registry. Install registers
// every declared extension function under its qualified "extension.function"
// name; registration is refused when the name collides with a host built-in.
type FunctionRegistry interface {
	Register(qualifiedName string, fn any) error
	Unregister(qualifiedName string)
	IsBuiltin(name string) bool
}

// Scope is a cleanup handle with statement, session or table-memory
// lifetime. Acquired catalog entries register their release against one; the
// entry stays alive until the scope closes.
type Scope struct {
	mu       sync.Mutex
	cleanups []func()
	closed   bool
}

// NewScope returns an empty open scope.
func NewScope() *Scope { return &Scope{} }

// Defer registers fn to run when the scope closes. Functions run in reverse
// registration order. Registering on a closed scope runs fn immediately.
func (s *Scope) Defer(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Close runs all registered cleanups. Close is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
