//go:build cgo

package main

// the duckdb driver is cgo-only; it registers when built with CGO_ENABLED=1
import _ "github.com/marcboeker/go-duckdb"
