// Package security guards the admin API: bearer-token auth on mutating routes, response
// hardening headers and an audit trail of blacklist changes.
package security

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// AuditEntry records one administrative action
type AuditEntry struct {
	Timestamp time.Time
	Operation string
	Tenant    string
	Shard     int
	IPAddress string
	Success   bool
	Reason    string
}

// AuditLogger writes audit entries to a dedicated zerolog stream
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger creates an audit logger on top of logger
func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With().Str("component", "security_audit").Logger(),
	}
}

// LogAuditEntry logs an audit entry
func (a *AuditLogger) LogAuditEntry(_ context.Context, entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	event := a.logger.Info().
		Str("operation", entry.Operation).
		Str("tenant", entry.Tenant).
		Int("shard", entry.Shard).
		Str("ip_address", entry.IPAddress).
		Bool("success", entry.Success).
		Time("timestamp", entry.Timestamp)

	if entry.Reason != "" {
		event.Str("reason", entry.Reason)
	}
	if entry.Success {
		event.Str("status", "success")
	} else {
		event.Str("status", "failed")
	}
	event.Send()
}

// ClientIP extracts the caller address, preferring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
