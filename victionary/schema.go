package victionary

import (
	"context"
	"fmt"

	"github.com/villagesql/vef/dialect"
)

// System table names.
const (
	TableProperties    = "properties"
	TableCustomColumns = "custom_columns"
	TableExtensions    = "extensions"
)

// PropSchemaVersion is the property recording the catalog schema version.
const PropSchemaVersion = "schema_version"

// SchemaVersion is the catalog schema version written at first boot.
const SchemaVersion = "1.0.0"

// CreateTables creates the three system tables when missing. The row store
// must be transactional with ordered primary indexes; the primary keys
// below give the ordered scans the prefix queries rely on.
func CreateTables(ctx context.Context, drv dialect.Driver) error {
	long := "TEXT"
	if drv.Dialect() == dialect.MySQL {
		long = "LONGTEXT"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name varchar(64) NOT NULL,
	value %s NULL,
	description TEXT NULL,
	PRIMARY KEY (name)
)`, TableProperties, long),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	db_name varchar(64) NOT NULL,
	table_name varchar(64) NOT NULL,
	column_name varchar(64) NOT NULL,
	extension_name varchar(64) NOT NULL,
	extension_version varchar(64) NOT NULL,
	type_name varchar(64) NOT NULL,
	PRIMARY KEY (db_name, table_name, column_name)
)`, TableCustomColumns),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	extension_name varchar(64) NOT NULL,
	extension_version varchar(64) NOT NULL,
	veb_sha256 varchar(64) NOT NULL,
	PRIMARY KEY (extension_name)
)`, TableExtensions),
	}
	for _, stmt := range stmts {
		if err := drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("victionary: create system tables: %w", err)
		}
	}
	return nil
}
