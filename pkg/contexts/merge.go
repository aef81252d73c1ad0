// Package contexts implements the four-tier context hierarchy: merge rules,
// chain resolution, the LRU resolve cache, the delegation engine, and the
// post-mutation sync service.
package contexts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// MergeData combines a child document over a parent one:
//   - maps deep-merge recursively, child keys override parent keys
//   - lists concatenate, parent elements first, no deduplication
//   - scalars are replaced by the child value
//   - a nil child value means unset and never overrides the parent
//
// Neither input is mutated; the result shares no structure with them.
func MergeData(parent, child models.JSONMap) models.JSONMap {
	out := parent.Clone()
	if out == nil {
		out = models.JSONMap{}
	}
	for key, childVal := range child {
		if childVal == nil {
			continue
		}
		parentVal, exists := out[key]
		if !exists {
			out[key] = cloneAny(childVal)
			continue
		}
		out[key] = mergeValue(parentVal, childVal)
	}
	return out
}

// MergeChain folds a root-first list of documents into one merged view.
func MergeChain(chain []models.JSONMap) models.JSONMap {
	merged := models.JSONMap{}
	for _, data := range chain {
		merged = MergeData(merged, data)
	}
	return merged
}

func mergeValue(parentVal, childVal interface{}) interface{} {
	if pm, pok := asMap(parentVal); pok {
		if cm, cok := asMap(childVal); cok {
			return map[string]interface{}(MergeData(pm, cm))
		}
	}
	if pl, pok := asList(parentVal); pok {
		if cl, cok := asList(childVal); cok {
			merged := make([]interface{}, 0, len(pl)+len(cl))
			for _, v := range pl {
				merged = append(merged, cloneAny(v))
			}
			for _, v := range cl {
				merged = append(merged, cloneAny(v))
			}
			return merged
		}
	}
	return cloneAny(childVal)
}

func asMap(v interface{}) (models.JSONMap, bool) {
	switch m := v.(type) {
	case models.JSONMap:
		return m, true
	case map[string]interface{}:
		return models.JSONMap(m), true
	}
	return nil, false
}

func asList(v interface{}) ([]interface{}, bool) {
	l, ok := v.([]interface{})
	return l, ok
}

func cloneAny(v interface{}) interface{} {
	switch val := v.(type) {
	case models.JSONMap:
		return map[string]interface{}(val.Clone())
	case map[string]interface{}:
		return map[string]interface{}(models.JSONMap(val).Clone())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cloneAny(inner)
		}
		return out
	default:
		return val
	}
}

// DependencyHash digests the ids and versions of every chain member. Two
// resolves with equal hashes merged identical inputs.
func DependencyHash(chain []models.ChainEntry) string {
	parts := make([]string, len(chain))
	for i, entry := range chain {
		parts[i] = fmt.Sprintf("%s:%s:%d", entry.Level, entry.ID, entry.Version)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
