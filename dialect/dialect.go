// Package dialect abstracts the transactional row store that backs the
// extension framework's system tables. The framework speaks SQL through the
// Driver interface; sqlite, MySQL and Postgres backends are provided by
// dialect/sql over database/sql drivers.
package dialect

import "context"

// Dialect names supported by the row store.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier wraps the basic Exec and Query methods. Both Driver and Tx
// implement it; catalog persistence code accepts the interface so it runs
// the same inside and outside an explicit transaction.
type ExecQuerier interface {
	// Exec executes a statement that does not return rows. v is either nil
	// or a *sql.Result destination.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a statement that returns rows into a *sql.Rows
	// destination.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is a database connection with transaction support.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx is a row-store transaction.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}
