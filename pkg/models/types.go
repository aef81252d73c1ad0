package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONMap is a map[string]interface{} that implements sql.Scanner and
// driver.Valuer so arbitrary JSON documents can bind to JSONB columns.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return errors.Errorf("unsupported type %T for JSONMap", value)
	}
}

// Clone returns a deep copy of the map. Mutating the copy never touches the
// original, which matters when merged context documents share subtrees.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case JSONMap:
		return map[string]interface{}(val.Clone())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return val
	}
}

// StringList is a []string stored as a JSON array column.
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return errors.Errorf("unsupported type %T for StringList", value)
	}
}

// Contains reports whether s is present in the list.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// JSONList is a []interface{} stored as a JSON array column. Context insight
// and progress entries are heterogeneous maps, so the element type stays open.
type JSONList []interface{}

// Value implements driver.Valuer for JSONList
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]interface{}{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for JSONList
func (l *JSONList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*[]interface{})(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]interface{})(l))
	default:
		return errors.Errorf("unsupported type %T for JSONList", value)
	}
}
