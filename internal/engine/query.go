package engine

import (
	"cmp"
	"fmt"
	"strings"
	"time"
)

// Op is a comparison operator of a Filter
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Filter restricts a query to rows where Column Op Value holds
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Order sorts query results by Column
type Order struct {
	Column string
	Desc   bool
}

// Query selects rows from one table. Filters are combined with AND.
// A zero Limit means no limit.
type Query struct {
	Table   Table
	Filters []Filter
	Orders  []Order
	Offset  int
	Limit   int
	Lock    LockMode
}

// From starts a query over table
func From(table Table) Query {
	return Query{Table: table}
}

// Where returns a copy of q with an additional filter
func (q Query) Where(column string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Column: column, Op: op, Value: value})
	return q
}

// OrderBy returns a copy of q with an additional sort column
func (q Query) OrderBy(column string, desc bool) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Column: column, Desc: desc})
	return q
}

// Page returns a copy of q with the given offset and limit
func (q Query) Page(offset, limit int) Query {
	q.Offset = offset
	q.Limit = limit
	return q
}

// ForUpdate returns a copy of q that locks the selected rows
func (q Query) ForUpdate() Query {
	q.Lock = LockForUpdate
	return q
}

func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "from %s", q.Table.Name)
	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s %s %v", f.Column, f.Op, f.Value)
	}
	for i, o := range q.Orders {
		if i == 0 {
			b.WriteString(" order by ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.Column)
		if o.Desc {
			b.WriteString(" desc")
		}
	}
	if q.Offset > 0 || q.Limit > 0 {
		fmt.Fprintf(&b, " offset %d limit %d", q.Offset, q.Limit)
	}
	return b.String()
}

// Matches reports whether row satisfies every filter of q
func (q Query) Matches(row Row) bool {
	for _, f := range q.Filters {
		c, ok := Compare(row[f.Column], f.Value)
		if !ok {
			return false
		}
		var pass bool
		switch f.Op {
		case OpEq:
			pass = c == 0
		case OpNe:
			pass = c != 0
		case OpLt:
			pass = c < 0
		case OpLe:
			pass = c <= 0
		case OpGt:
			pass = c > 0
		case OpGe:
			pass = c >= 0
		}
		if !pass {
			return false
		}
	}
	return true
}

// Compare orders two column values. Integers, floats, strings, byte slices, booleans
// and times are comparable among their own kind, and integers with floats. ok is false
// for incomparable values, including nil.
func Compare(a, b any) (c int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if x, isNum := AsFloat64(a); isNum {
		if y, isNum := AsFloat64(b); isNum {
			if xi, isInt := AsInt64(a); isInt {
				if yi, isInt := AsInt64(b); isInt {
					return cmp.Compare(xi, yi), true
				}
			}
			return cmp.Compare(x, y), true
		}
		return 0, false
	}
	if x, isStr := AsString(a); isStr {
		if y, isStr := AsString(b); isStr {
			return strings.Compare(x, y), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case bool:
		y, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		y, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

// AsInt64 converts any Go integer to int64
func AsInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	}
	return 0, false
}

// AsFloat64 converts any Go number to float64
func AsFloat64(v any) (float64, bool) {
	if i, ok := AsInt64(v); ok {
		return float64(i), true
	}
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// AsString converts strings and byte slices to string
func AsString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// KeyString renders a primary key value in a canonical form
func KeyString(v any) string {
	if i, ok := AsInt64(v); ok {
		return fmt.Sprintf("%d", i)
	}
	if s, ok := AsString(v); ok {
		return s
	}
	return fmt.Sprint(v)
}
