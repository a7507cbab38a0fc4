package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBackupID   = "backup_id"
	KeyState      = "state"
	KeyFromState  = "from_state"
	KeyToState    = "to_state"
	KeyTrigger    = "trigger"
	KeyResult     = "result"
	KeyReason     = "reason"
	KeyTier       = "disk_tier"
	KeyUsage      = "usage_percent"
	KeyConfidence = "confidence"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BackupID(id string) slog.Attr    { return slog.String(KeyBackupID, id) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func FromState(s string) slog.Attr    { return slog.String(KeyFromState, s) }
func ToState(s string) slog.Attr      { return slog.String(KeyToState, s) }
func Trigger(t string) slog.Attr      { return slog.String(KeyTrigger, t) }
func Result(r string) slog.Attr       { return slog.String(KeyResult, r) }
func Reason(r string) slog.Attr       { return slog.String(KeyReason, r) }
func Tier(t string) slog.Attr         { return slog.String(KeyTier, t) }
func Usage(pct float64) slog.Attr     { return slog.Float64(KeyUsage, pct) }
func Confidence(c float64) slog.Attr  { return slog.Float64(KeyConfidence, c) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
