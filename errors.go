package vef

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for common failure classes. Typed errors below
// match these through errors.Is so callers can branch without unpacking.
var (
	// ErrNotInitialized is returned by type-context creation, type-name
	// resolution, install, uninstall and startup load before the Victionary
	// finished loading its persistent state. Plain lookups report not found
	// instead.
	ErrNotInitialized = errors.New("vef: catalog not initialized")

	// ErrOutOfMemory reports an allocation failure. It is fatal for the
	// statement; the caller must not retry.
	ErrOutOfMemory = errors.New("vef: out of memory")

	// ErrWrongValue is returned when a value cannot be encoded as the
	// extension type expected by its destination.
	ErrWrongValue = errors.New("vef: incorrect value for type")

	// ErrIncompatibleTypes is returned when two extension-typed operands do
	// not share the same type context.
	ErrIncompatibleTypes = errors.New("vef: incompatible types")

	// ErrWrongUsage is returned when an extension-typed value reaches an
	// operation outside the permitted set.
	ErrWrongUsage = errors.New("vef: incorrect usage of extension type")

	// ErrAlreadyInstalled is returned by INSTALL EXTENSION when an entry
	// with the same name exists.
	ErrAlreadyInstalled = errors.New("vef: extension already installed")

	// ErrNotInstalled is returned by UNINSTALL EXTENSION when no entry with
	// the given name exists.
	ErrNotInstalled = errors.New("vef: extension not installed")

	// ErrExtensionInUse is returned by UNINSTALL EXTENSION while columns or
	// pinned type objects still reference the extension.
	ErrExtensionInUse = errors.New("vef: extension is in use")

	// ErrCantInitialize is returned when an extension function's prerun
	// callback fails.
	ErrCantInitialize = errors.New("vef: function initialization failed")

	// ErrCheckErrorLog is the generic user-visible wrapper set at the
	// statement boundary when an internal failure was already logged and no
	// more specific error has been raised.
	ErrCheckErrorLog = errors.New("vef: internal error, check the server error log")
)

// WrongValueError reports a value that the target extension type refused to
// encode. Row is zero when the failure is not row-scoped.
type WrongValueError struct {
	Type  string
	Value string
	Row   int64
}

// Error returns the error string.
func (e *WrongValueError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("vef: incorrect %s value: %q at row %d", e.Type, e.Value, e.Row)
	}
	return fmt.Sprintf("vef: incorrect %s value: %q", e.Type, e.Value)
}

// Is reports whether the target error matches ErrWrongValue.
func (e *WrongValueError) Is(err error) bool { return err == ErrWrongValue }

// IsWrongValue returns true if the error is a WrongValueError.
func IsWrongValue(err error) bool {
	if err == nil {
		return false
	}
	var e *WrongValueError
	return errors.As(err, &e) || errors.Is(err, ErrWrongValue)
}

// IncompatibleTypesError reports an operation between two values whose type
// contexts differ.
type IncompatibleTypesError struct {
	Left  string
	Right string
}

// Error returns the error string.
func (e *IncompatibleTypesError) Error() string {
	return fmt.Sprintf("vef: incompatible types %s and %s", e.Left, e.Right)
}

// Is reports whether the target error matches ErrIncompatibleTypes.
func (e *IncompatibleTypesError) Is(err error) bool { return err == ErrIncompatibleTypes }

// WrongUsageError reports an extension-typed operand reaching a disallowed
// operation, or a disallowed statement context (prepared statement, trigger,
// stored routine).
type WrongUsageError struct {
	What string // the operation or context
	With string // the extension type involved
}

// Error returns the error string.
func (e *WrongUsageError) Error() string {
	return fmt.Sprintf("vef: incorrect usage of %s and %s", e.What, e.With)
}

// Is reports whether the target error matches ErrWrongUsage.
func (e *WrongUsageError) Is(err error) bool { return err == ErrWrongUsage }

// IsWrongUsage returns true if the error is a WrongUsageError.
func IsWrongUsage(err error) bool {
	if err == nil {
		return false
	}
	var e *WrongUsageError
	return errors.As(err, &e) || errors.Is(err, ErrWrongUsage)
}

// InUseError refuses an uninstall while the extension is referenced. Column
// names a representative referencing column when the blocker is a user table.
type InUseError struct {
	Extension string
	Column    string // "db.table.column", empty when pinned in memory only
}

// Error returns the error string.
func (e *InUseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("vef: extension %q is in use by column %s", e.Extension, e.Column)
	}
	return fmt.Sprintf("vef: extension %q is in use", e.Extension)
}

// Is reports whether the target error matches ErrExtensionInUse.
func (e *InUseError) Is(err error) bool { return err == ErrExtensionInUse }

// IsInUse returns true if the error is an InUseError.
func IsInUse(err error) bool {
	if err == nil {
		return false
	}
	var e *InUseError
	return errors.As(err, &e) || errors.Is(err, ErrExtensionInUse)
}

// InstallError wraps a failure during INSTALL or UNINSTALL EXTENSION with
// the extension name and the failing step.
type InstallError struct {
	Extension string
	Step      string // e.g. "expand", "handshake", "register"
	Err       error
}

// Error returns the error string.
func (e *InstallError) Error() string {
	return fmt.Sprintf("vef: extension %q: %s: %v", e.Extension, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *InstallError) Unwrap() error { return e.Err }

// InitializeError carries the message an extension's prerun callback
// produced when it refused to initialize.
type InitializeError struct {
	Function string
	Message  string
}

// Error returns the error string.
func (e *InitializeError) Error() string {
	return fmt.Sprintf("vef: cannot initialize function %q: %s", e.Function, e.Message)
}

// Is reports whether the target error matches ErrCantInitialize.
func (e *InitializeError) Is(err error) bool { return err == ErrCantInitialize }
