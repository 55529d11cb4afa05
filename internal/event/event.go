package event

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// The webhook transport has emitted at least three envelope shapes for the
// same logical insert (raw row, {record:...}, {data:{record:...}}), plus a
// form-encoded variant and a double-encoded JSON string. Normalize accepts
// all of them and produces one canonical Event.

const rawPreviewLen = 120

// KindAliases and TableAliases are the field names under which different
// webhook configurations have declared the event kind and source table.
var (
	KindAliases  = []string{"type", "event", "event_type", "eventType"}
	TableAliases = []string{"table", "table_name"}
)

// Event is the canonical form of one webhook delivery. Kind and Table are
// empty when the caller's framing did not declare them. Record holds the
// inserted row (or the full-payload fields) as an opaque field map.
type Event struct {
	Kind   string
	Table  string
	Record map[string]any
}

// Supported reports whether the event is one this pipeline handles. An
// unsupported event is an expected no-op for webhook configurations that
// over-deliver, so the caller records it as a skip, not an error.
func (e *Event) Supported(monitoredTable string) (reason string, ok bool) {
	if e.Kind != "" && !strings.EqualFold(e.Kind, "insert") {
		return "unsupported_event", false
	}
	if e.Table != "" && e.Table != monitoredTable {
		return "unsupported_table", false
	}
	return "", true
}

// Normalize parses the raw body as structured JSON, then form-encoded pairs,
// then a JSON-encoded string re-parsed as JSON, and unwraps one envelope
// level. All parse failures are accumulated into the returned error so the
// operator can see every attempt.
func Normalize(body []byte, contentType string) (*Event, error) {
	fields, err := parseBody(body, contentType)
	if err != nil {
		return nil, err
	}

	evt := &Event{Record: Unwrap(fields)}
	if kind, _, ok := Field(fields, KindAliases...); ok {
		evt.Kind = kind
	}
	if table, _, ok := Field(fields, TableAliases...); ok {
		evt.Table = table
	}
	return evt, nil
}

func parseBody(body []byte, contentType string) (map[string]any, error) {
	var attempts error

	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err == nil {
		return fields, nil
	} else {
		attempts = multierror.Append(attempts, fmt.Errorf("json object: %w", err))
	}

	raw := strings.TrimSpace(string(body))
	if strings.Contains(raw, "=") {
		if values, err := url.ParseQuery(raw); err == nil && len(values) > 0 {
			fields = make(map[string]any, len(values))
			for k, v := range values {
				fields[k] = v[0]
			}
			return fields, nil
		} else if err != nil {
			attempts = multierror.Append(attempts, fmt.Errorf("form-encoded: %w", err))
		}
	} else {
		attempts = multierror.Append(attempts, fmt.Errorf("form-encoded: no key=value pairs"))
	}

	var inner string
	if err := json.Unmarshal(body, &inner); err == nil {
		if err := json.Unmarshal([]byte(inner), &fields); err == nil {
			return fields, nil
		} else {
			attempts = multierror.Append(attempts, fmt.Errorf("json-encoded string: %w", err))
		}
	} else {
		attempts = multierror.Append(attempts, fmt.Errorf("json-encoded string: %w", err))
	}

	preview := raw
	if len(preview) > rawPreviewLen {
		preview = preview[:rawPreviewLen]
	}
	return nil, fmt.Errorf("unparsable webhook body (content-type %q, raw prefix %q): %w", contentType, preview, attempts)
}

// unwrapPaths are tried in order; the first matching nested map becomes the
// canonical record. An already-canonical map matches none and passes through
// unchanged, so Unwrap is idempotent.
var unwrapPaths = [][]string{
	{"record"},
	{"new"},
	{"data", "record"},
	{"data", "new"},
}

// Unwrap promotes one level of webhook envelope to the canonical record.
func Unwrap(fields map[string]any) map[string]any {
	for _, path := range unwrapPaths {
		if inner, ok := dig(fields, path); ok {
			return inner
		}
	}
	return fields
}

func dig(fields map[string]any, path []string) (map[string]any, bool) {
	current := fields
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Field probes the record under an ordered list of alias candidates and
// returns the first present non-empty value along with the alias that
// matched, for diagnostics.
func Field(record map[string]any, aliases ...string) (value, alias string, ok bool) {
	for _, a := range aliases {
		raw, present := record[a]
		if !present {
			continue
		}
		if s := stringify(raw); s != "" {
			return s, a, true
		}
	}
	return "", "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Keys lists the keys actually present in the record, for the
// missing-required-fields diagnostic.
func Keys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	return keys
}
