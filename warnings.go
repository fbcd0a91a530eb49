package vef

import "sync"

// Warning codes pushed by the framework.
const (
	WarnTruncated = "DATA_TRUNCATED"
	WarnUDFError  = "UDF_ERROR"
)

// Warnings collects statement-level warnings. The engine pushes truncation
// and extension-function warnings here instead of failing the statement.
type Warnings interface {
	Push(code, message string)
}

// Warning is a single collected warning.
type Warning struct {
	Code    string
	Message string
}

// WarningList is a thread-safe Warnings implementation used by tests and by
// vefctl. The host server supplies its own sink in production.
type WarningList struct {
	mu   sync.Mutex
	list []Warning
}

// Push appends a warning.
func (w *WarningList) Push(code, message string) {
	w.mu.Lock()
	w.list = append(w.list, Warning{Code: code, Message: message})
	w.mu.Unlock()
}

// All returns a copy of the collected warnings.
func (w *WarningList) All() []Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Warning, len(w.list))
	copy(out, w.list)
	return out
}
