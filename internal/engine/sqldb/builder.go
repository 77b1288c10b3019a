package sqldb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/shardline/internal/engine"
)

// builder renders statements for one dialect, numbering bind parameters as it goes
type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func newBuilder(d Dialect) *builder {
	return &builder{d: d}
}

func (b *builder) write(s string) *builder {
	b.sb.WriteString(s)
	return b
}

func (b *builder) bind(v any) *builder {
	b.args = append(b.args, v)
	b.sb.WriteString(b.d.Placeholder(len(b.args)))
	return b
}

func (b *builder) ident(s string) *builder {
	b.sb.WriteString(b.d.Quote(s))
	return b
}

func (b *builder) sql() (string, []any) {
	return b.sb.String(), b.args
}

func (b *builder) where(filters []engine.Filter) {
	for i, f := range filters {
		if i == 0 {
			b.write(" WHERE ")
		} else {
			b.write(" AND ")
		}
		b.ident(f.Column).write(" " + string(f.Op) + " ").bind(f.Value)
	}
}

func sortedColumns(row engine.Row, skip string) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		if c != skip {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

func buildSelect(d Dialect, q engine.Query, forUpdate bool) (string, []any) {
	b := newBuilder(d)
	b.write("SELECT * FROM ").ident(q.Table.Name)
	b.where(q.Filters)
	for i, o := range q.Orders {
		if i == 0 {
			b.write(" ORDER BY ")
		} else {
			b.write(", ")
		}
		b.ident(o.Column)
		if o.Desc {
			b.write(" DESC")
		}
	}
	switch {
	case q.Limit > 0:
		b.write(fmt.Sprintf(" LIMIT %d", q.Limit))
	case q.Offset > 0:
		b.write(" LIMIT " + d.NoLimit)
	}
	if q.Offset > 0 {
		b.write(fmt.Sprintf(" OFFSET %d", q.Offset))
	}
	if forUpdate {
		b.write(" FOR UPDATE")
	}
	return b.sql()
}

func buildCount(d Dialect, q engine.Query) (string, []any) {
	b := newBuilder(d)
	b.write("SELECT COUNT(*) FROM ").ident(q.Table.Name)
	b.where(q.Filters)
	return b.sql()
}

func buildGet(d Dialect, table engine.Table, id any, forUpdate bool) (string, []any) {
	return buildSelect(d, engine.From(table).Where(table.Key, engine.OpEq, id), forUpdate)
}

func buildInsert(d Dialect, table engine.Table, row engine.Row) (string, []any) {
	cols := sortedColumns(row, "")
	b := newBuilder(d)
	b.write("INSERT INTO ").ident(table.Name).write(" (")
	for i, c := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.ident(c)
	}
	b.write(") VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.write(", ")
		}
		b.bind(row[c])
	}
	b.write(")")
	return b.sql()
}

func buildSet(b *builder, set engine.Row, skip string) {
	b.write(" SET ")
	for i, c := range sortedColumns(set, skip) {
		if i > 0 {
			b.write(", ")
		}
		b.ident(c).write(" = ").bind(set[c])
	}
}

func buildUpdate(d Dialect, table engine.Table, row engine.Row) (string, []any) {
	b := newBuilder(d)
	b.write("UPDATE ").ident(table.Name)
	buildSet(b, row, table.Key)
	b.write(" WHERE ").ident(table.Key).write(" = ").bind(row[table.Key])
	return b.sql()
}

func buildUpdateWhere(d Dialect, q engine.Query, set engine.Row) (string, []any) {
	b := newBuilder(d)
	b.write("UPDATE ").ident(q.Table.Name)
	buildSet(b, set, "")
	b.where(q.Filters)
	return b.sql()
}

func buildDelete(d Dialect, table engine.Table, id any) (string, []any) {
	b := newBuilder(d)
	b.write("DELETE FROM ").ident(table.Name).write(" WHERE ").ident(table.Key).write(" = ").bind(id)
	return b.sql()
}
