package sqldb

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported drivers
type Dialect struct {
	Name string
	// Driver is the database/sql driver name passed to sql.Open.
	Driver string
	// DollarPlaceholders selects $1, $2 ... instead of ?.
	DollarPlaceholders bool
	// Backticks quotes identifiers with ` instead of ".
	Backticks bool
	// ForUpdate is true when SELECT ... FOR UPDATE is understood.
	ForUpdate bool
	// ReadOnlyTx is true when the driver accepts sql.TxOptions{ReadOnly: true}.
	ReadOnlyTx bool
	// NoLimit is the LIMIT value meaning "all rows", needed when only OFFSET is set.
	NoLimit string
}

// Supported dialects. The driver packages are registered by the binary.
var (
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", NoLimit: "-1"}
	// SQLite3 uses the cgo driver.
	SQLite3  = Dialect{Name: "sqlite3", Driver: "sqlite3", NoLimit: "-1"}
	Postgres = Dialect{Name: "postgres", Driver: "postgres", DollarPlaceholders: true, ForUpdate: true, ReadOnlyTx: true, NoLimit: "ALL"}
	MySQL    = Dialect{Name: "mysql", Driver: "mysql", Backticks: true, ForUpdate: true, ReadOnlyTx: true, NoLimit: "18446744073709551615"}
	DuckDB   = Dialect{Name: "duckdb", Driver: "duckdb", DollarPlaceholders: true, NoLimit: "ALL"}
)

var dialects = map[string]Dialect{
	SQLite.Name:   SQLite,
	SQLite3.Name:  SQLite3,
	Postgres.Name: Postgres,
	MySQL.Name:    MySQL,
	DuckDB.Name:   DuckDB,
}

// LookupDialect returns the dialect registered under name
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown sql dialect %q", name)
	}
	return d, nil
}

// Placeholder returns the n-th (1-based) bind parameter
func (d Dialect) Placeholder(n int) string {
	if d.DollarPlaceholders {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Quote quotes an identifier
func (d Dialect) Quote(ident string) string {
	if d.Backticks {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
