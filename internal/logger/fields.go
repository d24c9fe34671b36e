package logger

import "log/slog"

// Standard field keys. Use these consistently so log queries stay stable.
const (
	KeyTraceID       = "trace_id"
	KeyTransactionID = "transaction_id"
	KeyService       = "service"
	KeyClientIP      = "client_ip"

	KeyHandler        = "handler"
	KeyResolver       = "resolver"
	KeyPolicy         = "policy"
	KeyProcessor      = "processor"
	KeyPrincipal      = "principal"
	KeyCredentialType = "credential_type"
	KeyCredentialID   = "credential_id"
	KeyFailureKind    = "failure_kind"
	KeyReason         = "reason"
	KeyDurationMs     = "duration_ms"
	KeyError          = "error"
)

// Err returns an error attribute, or an empty attribute for nil errors.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
