package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyRunNumber  = "run_number"
	KeyPipeline   = "pipeline"
	KeyStage      = "stage"
	KeyStep       = "step"
	KeyResult     = "result"
	KeyTrigger    = "trigger"
	KeyAgent      = "agent"
	KeyLabel      = "label"
	KeyDurationMS = "duration_ms"
	KeyImage      = "image"
	KeySchedule   = "schedule_name"
	KeyPath       = "path"
	KeySubject    = "subject"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func RunNumber(n int) slog.Attr       { return slog.Int(KeyRunNumber, n) }
func Pipeline(p string) slog.Attr     { return slog.String(KeyPipeline, p) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Result(r string) slog.Attr       { return slog.String(KeyResult, r) }
func Trigger(t string) slog.Attr      { return slog.String(KeyTrigger, t) }
func Agent(a string) slog.Attr        { return slog.String(KeyAgent, a) }
func Label(l string) slog.Attr        { return slog.String(KeyLabel, l) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Image(i string) slog.Attr        { return slog.String(KeyImage, i) }
func ScheduleName(n string) slog.Attr { return slog.String(KeySchedule, n) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Subject(s string) slog.Attr      { return slog.String(KeySubject, s) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
