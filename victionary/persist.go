package victionary

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/dialect"
	vefsql "github.com/villagesql/vef/dialect/sql"
)

// codec binds an entry kind to its system table: the table geometry plus
// the row-to-entry mapping. The scan function is the only place an entry
// key is set on the read-from-storage path.
type codec[E Entry] struct {
	table   string
	keyCols []string
	valCols []string
	keyArgs func(e E) []any
	valArgs func(e E) []any
	scan    func(scan func(dest ...any) error) (E, error)
}

func (c *codec[E]) cols() []string {
	return append(append([]string{}, c.keyCols...), c.valCols...)
}

// rebind translates '?' placeholders to the dialect's style.
func rebind(dialectName, query string) string {
	if dialectName != dialect.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereEq(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func setEq(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, ", ")
}

// ReloadFromTable clears committed state and repopulates it with a full
// scan of the backing table. Row-level failures are logged and skipped; the
// load continues with the remaining rows.
func (m *Map[E]) ReloadFromTable(ctx context.Context, conn dialect.ExecQuerier, dialectName string) error {
	m.assertWrite()
	if m.codec == nil {
		return fmt.Errorf("victionary: map %s has no backing table", m.name)
	}
	c := m.codec
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(c.cols(), ", "), c.table, strings.Join(c.keyCols, ", "))
	var rows vefsql.Rows
	if err := conn.Query(ctx, rebind(dialectName, query), []any{}, &rows); err != nil {
		return fmt.Errorf("victionary: reload %s: %w", m.table(), err)
	}
	defer rows.Close()
	for k, e := range m.committed {
		e.refcount().Add(-1)
		delete(m.committed, k)
	}
	for rows.Next() {
		e, err := c.scan(rows.Scan)
		if err != nil {
			m.log.Error("skipping unreadable system table row",
				zap.String("table", c.table), zap.Error(err))
			continue
		}
		m.committed[e.EntryKey()] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("victionary: reload %s: %w", m.table(), err)
	}
	return nil
}

// WriteUncommittedToTable replays txn's pending operations against the open
// row store handle. It must run before the host commit so the row writes
// join the same host transaction. Any error fails the whole DDL; the caller
// rolls back.
func (m *Map[E]) WriteUncommittedToTable(ctx context.Context, txn vef.Txn, conn dialect.ExecQuerier, dialectName string) error {
	m.assertWrite()
	if m.codec == nil {
		return fmt.Errorf("victionary: map %s has no backing table", m.name)
	}
	c := m.codec
	for _, o := range m.pending[txn] {
		switch o.kind {
		case opInsert:
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				c.table, strings.Join(c.cols(), ", "), placeholders(len(c.cols())))
			args := append(c.keyArgs(o.entry), c.valArgs(o.entry)...)
			if err := conn.Exec(ctx, rebind(dialectName, query), args, nil); err != nil {
				if vefsql.IsUniqueConstraintError(err) {
					return fmt.Errorf("victionary: duplicate key in %s: %w", c.table, err)
				}
				return fmt.Errorf("victionary: insert into %s: %w", c.table, err)
			}
		case opUpdate:
			// The row is located by the preserved pre-update key. A target
			// row equal to the source reports zero affected rows; that is
			// "record unchanged" and counts as success.
			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
				c.table, setEq(append(append([]string{}, c.keyCols...), c.valCols...)), whereEq(c.keyCols))
			args := append(c.keyArgs(o.entry), c.valArgs(o.entry)...)
			args = append(args, c.keyArgs(o.old)...)
			if err := conn.Exec(ctx, rebind(dialectName, query), args, nil); err != nil {
				return fmt.Errorf("victionary: update %s: %w", c.table, err)
			}
		case opDelete:
			query := fmt.Sprintf("DELETE FROM %s WHERE %s", c.table, whereEq(c.keyCols))
			if err := conn.Exec(ctx, rebind(dialectName, query), c.keyArgs(o.entry), nil); err != nil {
				return fmt.Errorf("victionary: delete from %s: %w", c.table, err)
			}
		}
	}
	return nil
}

// table returns the backing table name for diagnostics.
func (m *Map[E]) table() string {
	if m.codec != nil {
		return m.codec.table
	}
	return m.name
}

// propertyCodec maps Property entries onto the properties table.
func propertyCodec(mode vef.CaseMode) *codec[*Property] {
	return &codec[*Property]{
		table:   TableProperties,
		keyCols: []string{"name"},
		valCols: []string{"value", "description"},
		keyArgs: func(p *Property) []any { return []any{p.Key.Name()} },
		valArgs: func(p *Property) []any { return []any{p.Value, p.Description} },
		scan: func(scan func(dest ...any) error) (*Property, error) {
			var name string
			var value, descr vefsql.NullString
			if err := scan(&name, &value, &descr); err != nil {
				return nil, err
			}
			return NewProperty(NewPropertyKey(name, mode), value.String, descr.String), nil
		},
	}
}

// columnCodec maps Column entries onto the custom_columns table.
func columnCodec(mode vef.CaseMode) *codec[*Column] {
	return &codec[*Column]{
		table:   TableCustomColumns,
		keyCols: []string{"db_name", "table_name", "column_name"},
		valCols: []string{"extension_name", "extension_version", "type_name"},
		keyArgs: func(c *Column) []any { return []any{c.Key.DB(), c.Key.Table(), c.Key.Column()} },
		valArgs: func(c *Column) []any { return []any{c.ExtensionName, c.ExtensionVersion, c.TypeName} },
		scan: func(scan func(dest ...any) error) (*Column, error) {
			var db, table, column, ext, ver, typ string
			if err := scan(&db, &table, &column, &ext, &ver, &typ); err != nil {
				return nil, err
			}
			return NewColumn(NewColumnKey(db, table, column, mode), ext, ver, typ), nil
		},
	}
}

// extensionCodec maps Extension entries onto the extensions table.
func extensionCodec(mode vef.CaseMode) *codec[*Extension] {
	return &codec[*Extension]{
		table:   TableExtensions,
		keyCols: []string{"extension_name"},
		valCols: []string{"extension_version", "veb_sha256"},
		keyArgs: func(e *Extension) []any { return []any{e.Key.Name()} },
		valArgs: func(e *Extension) []any { return []any{e.Version, e.ArchiveSHA256} },
		scan: func(scan func(dest ...any) error) (*Extension, error) {
			var name, ver, sha string
			if err := scan(&name, &ver, &sha); err != nil {
				return nil, err
			}
			return NewExtension(NewExtensionKey(name, mode), ver, sha), nil
		},
	}
}
