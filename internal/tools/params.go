// Package tools implements the eight facade tool controllers: parameter
// coercion, per-action dispatch into the service layer, and the shared
// response envelope.
package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Params is the decoded tool argument object. Getters apply the lenient
// coercion policy once, at the RPC boundary; everything past this type is
// strictly typed.
type Params map[string]interface{}

// ParseParams decodes the raw argument object.
func ParseParams(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, models.NewValidation("arguments must be a JSON object: %v", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Has reports whether the key is present, even with a null value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the string value for key. Missing keys, nulls, and empty
// strings all come back as "" — empty string means null for nullable
// string fields.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// FirstString returns the first non-empty string among the given keys.
// Used for parameter aliases.
func (p Params) FirstString(keys ...string) string {
	for _, key := range keys {
		if s := p.String(key); s != "" {
			return s
		}
	}
	return ""
}

// RequiredString returns the value or a VALIDATION_ERROR naming the key.
func (p Params) RequiredString(key string) (string, error) {
	s := p.String(key)
	if s == "" {
		return "", models.NewValidation("parameter %q is required", key)
	}
	return s, nil
}

// StringPtr distinguishes "absent" (nil) from "set". An explicit empty
// string or null clears the field, which callers see as a pointer to "".
func (p Params) StringPtr(key string) *string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	s := ""
	if v != nil {
		s, _ = v.(string)
		s = strings.TrimSpace(s)
	}
	return &s
}

// Bool coerces booleans: native bool, 0/1 numbers, and the strings
// true/false, 1/0, yes/no in any case.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := coerceBool(v)
	if !ok {
		return false, models.NewValidation("parameter %q must be a boolean", key)
	}
	return b, nil
}

func coerceBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		if val == 1 {
			return true, true
		}
		if val == 0 {
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// Int coerces integers: native number or numeric string.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := coerceInt(v)
	if !ok {
		return 0, models.NewValidation("parameter %q must be an integer", key)
	}
	return n, nil
}

// IntPtr is Int for optional fields; absent or null stays nil.
func (p Params) IntPtr(key string) (*int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := coerceInt(v)
	if !ok {
		return nil, models.NewValidation("parameter %q must be an integer", key)
	}
	return &n, nil
}

func coerceInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// StringList coerces lists: native array (elements stringified), a
// comma-separated string, or a JSON-encoded array string. Absent and null
// come back nil.
func (p Params) StringList(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, models.NewValidation("parameter %q must be a list of strings", key)
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil, nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
				return nil, models.NewValidation("parameter %q is not a valid JSON array", key)
			}
			return arr, nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, models.NewValidation("parameter %q must be a list", key)
}

// Object returns a nested JSON object, accepting either a native object or
// a JSON-encoded object string. Absent and null come back nil.
func (p Params) Object(key string) (models.JSONMap, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return models.JSONMap(val), nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return nil, nil
		}
		var m models.JSONMap
		if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, models.NewValidation("parameter %q is not a valid JSON object", key)
		}
		return m, nil
	}
	return nil, models.NewValidation("parameter %q must be an object", key)
}

// UUID parses a required UUID parameter.
func (p Params) UUID(key string) (uuid.UUID, error) {
	s, err := p.RequiredString(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, models.NewValidation("parameter %q is not a valid uuid", key)
	}
	return id, nil
}

// UUIDPtr parses an optional UUID parameter.
func (p Params) UUIDPtr(key string) (*uuid.UUID, error) {
	s := p.String(key)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, models.NewValidation("parameter %q is not a valid uuid", key)
	}
	return &id, nil
}

// Time parses an optional RFC3339 timestamp (date-only accepted).
func (p Params) Time(key string) (*time.Time, error) {
	s := p.String(key)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts, nil
		}
	}
	return nil, models.NewValidation("parameter %q must be an RFC3339 timestamp", key)
}

// Level parses a context level parameter.
func (p Params) Level(key string) (models.ContextLevel, error) {
	s, err := p.RequiredString(key)
	if err != nil {
		return "", err
	}
	level, ok := models.ParseContextLevel(s)
	if !ok {
		return "", models.NewValidation("parameter %q must be one of global, project, branch, task", key)
	}
	return level, nil
}
