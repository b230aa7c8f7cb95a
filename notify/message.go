package notify

import (
	"fmt"
	"strings"
	"time"
)

// TimestampFormat is the textual form of {timestamp} in messages.
const TimestampFormat = "2006-01-02 15:04:05 UTC"

const noneValue = "(none)"

// Built-in message templates.
const (
	DefaultChangeTemplate = "🔔 {name}\n\nValue changed!\nOld: {old_value}\nNew: {new_value}\n\nURL: {url}\nTime: {timestamp}"
	TestMessage           = "This is a test notification from Change Watcher."
)

// TemplateError indicates a message template that cannot be rendered.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return "template: " + e.Reason
}

// Values are the placeholders available to a message template.
type Values struct {
	OldValue *string
	NewValue *string
	URL      string
	Name     string
}

// FormatMessage renders tmpl. Placeholders are written {name}; literal braces
// are doubled. Unknown placeholders fail rather than render silently.
func FormatMessage(tmpl string, v Values, now time.Time) (string, error) {
	fields := map[string]string{
		"old_value": orNone(v.OldValue),
		"new_value": orNone(v.NewValue),
		"url":       v.URL,
		"name":      v.Name,
		"timestamp": now.UTC().Format(TimestampFormat),
	}

	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", &TemplateError{Template: tmpl, Reason: "single '{' encountered in format string"}
			}
			key := tmpl[i+1 : i+1+end]
			val, ok := fields[key]
			if !ok {
				return "", &TemplateError{Template: tmpl, Reason: fmt.Sprintf("unknown placeholder {%s}", key)}
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", &TemplateError{Template: tmpl, Reason: "single '}' encountered in format string"}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// ErrorMessage is sent the first time an item starts failing.
func ErrorMessage(name, url, errText string) string {
	return fmt.Sprintf("⚠️ %s\n\nError: %s\n\nURL: %s", name, errText, url)
}

// RecoveryMessage is sent when a failing item succeeds again.
func RecoveryMessage(name, url string) string {
	return fmt.Sprintf("✅ %s\n\nRecovered, working normally again.\n\nURL: %s", name, url)
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return noneValue
	}
	return *s
}
