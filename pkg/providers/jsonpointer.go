package providers

import (
	"fmt"
	"strconv"
	"strings"
)

// jsonPointerGet resolves an RFC 6901 pointer against a decoded JSON value.
// Any failure is a parse error: a misconfigured mapping will never succeed on
// retry.
func jsonPointerGet(payload interface{}, pointer string) (interface{}, error) {
	if pointer == "" || pointer == "/" {
		return payload, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, newError(CodeParse, fmt.Sprintf("invalid JSON pointer: %s", pointer))
	}

	current := payload
	for _, part := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		key := strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		switch node := current.(type) {
		case []interface{}:
			index, err := strconv.Atoi(key)
			if err != nil {
				return nil, newError(CodeParse, fmt.Sprintf("invalid list index in pointer: %s", pointer))
			}
			if index < 0 || index >= len(node) {
				return nil, newError(CodeParse, fmt.Sprintf("pointer out of range: %s", pointer))
			}
			current = node[index]
		case map[string]interface{}:
			child, ok := node[key]
			if !ok {
				return nil, newError(CodeParse, fmt.Sprintf("pointer not found: %s", pointer))
			}
			current = child
		default:
			return nil, newError(CodeParse, fmt.Sprintf("pointer invalid for payload: %s", pointer))
		}
	}
	return current, nil
}

// asFloat coerces JSON numerics (and numeric strings) to float64.
func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
