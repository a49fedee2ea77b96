package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// BuildKey derives the canonical cache key for a namespace and a set of named
// arguments: `<namespace>:<sorted "field:JSON(value)" pairs joined by "|">`.
// Sorting makes the key stable regardless of how callers ordered the fields,
// so every call site produces the same key for the same arguments.
func BuildKey(namespace string, fields map[string]any) string {
	if len(fields) == 0 {
		return namespace
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+encodeField(fields[name]))
	}
	return namespace + ":" + strings.Join(parts, "|")
}

func encodeField(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(b)
}
