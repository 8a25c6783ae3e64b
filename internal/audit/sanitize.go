package audit

import (
	"regexp"

	"stokraf-backend/internal/models"
)

const redacted = "[REDACTED]"

var (
	sensitiveField = regexp.MustCompile(`(?i)(pass(word|wd|phrase)|token|secret|credential|authorization|(^|[_\-.])(api|private|access|secret)?[_\-]?key$)`)
	sensitiveValue = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_\-]?key)\s*[=:]`),
		regexp.MustCompile(`(?i)^bearer\s+\S+`),
		regexp.MustCompile(`^eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+$`),
	}
)

// Sanitize redacts values of sensitive fields and values that look like
// credentials, whatever the event severity.
func Sanitize(ev models.AuditEvent) models.AuditEvent {
	if sensitiveField.MatchString(ev.Field) {
		if ev.OldValue != "" {
			ev.OldValue = redacted
		}
		if ev.NewValue != "" {
			ev.NewValue = redacted
		}
		return ev
	}
	if looksSensitive(ev.OldValue) {
		ev.OldValue = redacted
	}
	if looksSensitive(ev.NewValue) {
		ev.NewValue = redacted
	}
	return ev
}

func looksSensitive(v string) bool {
	if v == "" {
		return false
	}
	for _, re := range sensitiveValue {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}
