// Package extract pulls a single value out of a fetched response body.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"changewatch/pkg/watch"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/ohler55/ojg/jp"
)

// NoMatchError indicates the selector matched nothing in the content.
type NoMatchError struct {
	Kind       watch.SelectorKind
	Expression string
}

func (e *NoMatchError) Error() string {
	switch e.Kind {
	case watch.SelectorCSS:
		return fmt.Sprintf("No element found matching CSS selector: %s", e.Expression)
	case watch.SelectorJSONPath:
		return fmt.Sprintf("No match found for JSONPath expression: %s", e.Expression)
	default:
		return fmt.Sprintf("No match found for regex pattern: %s", e.Expression)
	}
}

// MalformedInputError indicates the content or the expression could not be parsed.
type MalformedInputError struct {
	Err  error
	What string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// UnsupportedSelectorError indicates an unknown selector kind.
type UnsupportedSelectorError struct {
	Kind watch.SelectorKind
}

func (e *UnsupportedSelectorError) Error() string {
	return fmt.Sprintf("Unknown selector type: %s", e.Kind)
}

// IsNoMatch checks if an error is a NoMatchError.
func IsNoMatch(err error) bool {
	var nm *NoMatchError
	return errors.As(err, &nm)
}

// IsMalformed checks if an error is a MalformedInputError.
func IsMalformed(err error) bool {
	var mi *MalformedInputError
	return errors.As(err, &mi)
}

// IsUnsupported checks if an error is an UnsupportedSelectorError.
func IsUnsupported(err error) bool {
	var us *UnsupportedSelectorError
	return errors.As(err, &us)
}

// Extract applies sel to content and returns the selected value.
func Extract(content []byte, sel watch.Selector) (string, error) {
	switch sel.Kind {
	case watch.SelectorCSS:
		return CSS(content, sel.Expression)
	case watch.SelectorJSONPath:
		return JSONPath(content, sel.Expression)
	case watch.SelectorRegex:
		return Regex(content, sel.Expression)
	default:
		return "", &UnsupportedSelectorError{Kind: sel.Kind}
	}
}

// CSS returns the trimmed text of the first element matching selector.
func CSS(content []byte, selector string) (string, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return "", &MalformedInputError{What: "css selector", Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", &MalformedInputError{What: "html document", Err: err}
	}

	el := doc.FindMatcher(matcher).First()
	if el.Length() == 0 {
		return "", &NoMatchError{Kind: watch.SelectorCSS, Expression: selector}
	}
	return strings.TrimSpace(el.Text()), nil
}

// JSONPath evaluates expression against a JSON document and returns the first
// match. Objects and arrays come back as compact JSON.
func JSONPath(content []byte, expression string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return "", &MalformedInputError{What: "json document", Err: err}
	}

	x, err := jp.ParseString(rootedPath(expression))
	if err != nil {
		return "", &MalformedInputError{What: "jsonpath expression", Err: err}
	}

	matches := x.Get(data)
	if len(matches) == 0 {
		return "", &NoMatchError{Kind: watch.SelectorJSONPath, Expression: expression}
	}
	return stringify(matches[0])
}

// rootedPath lets users write "data.price" as well as "$.data.price".
func rootedPath(expr string) string {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "$"), strings.HasPrefix(expr, "@"):
		return expr
	case strings.HasPrefix(expr, "["):
		return "$" + expr
	default:
		return "$." + expr
	}
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("marshal match: %w", err)
		}
		return string(b), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// Regex applies pattern with dot-matches-newline semantics. When the pattern
// has a capturing group the first group is returned, otherwise the whole match.
func Regex(content []byte, pattern string) (string, error) {
	re, err := regexp.Compile("(?s)" + pattern)
	if err != nil {
		return "", &MalformedInputError{What: "regex pattern", Err: err}
	}

	m := re.FindSubmatch(content)
	if m == nil {
		return "", &NoMatchError{Kind: watch.SelectorRegex, Expression: pattern}
	}
	if re.NumSubexp() > 0 {
		return string(m[1]), nil
	}
	return string(m[0]), nil
}
