package harness

import (
	"fmt"
	"time"
)

// YAML decodes scalars into interface{} as int, float64, string or bool.

func argInt(args map[string]interface{}, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	return toInt(key, v)
}

func argIntOr(args map[string]interface{}, key string, def int64) (int64, error) {
	if _, ok := args[key]; !ok {
		return def, nil
	}
	return argInt(args, key)
}

func toInt(key string, v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
}

func argString(args map[string]interface{}, key, def string) string {
	if v, ok := args[key]; ok {
		return fmt.Sprint(v)
	}
	return def
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInts(args map[string]interface{}, key string) ([]int64, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: expected list, got %T", key, v)
	}
	out := make([]int64, len(list))
	for i, item := range list {
		n, err := toInt(fmt.Sprintf("%s[%d]", key, i), item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func argStrings(args map[string]interface{}, key string) ([]string, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: expected list, got %T", key, v)
	}
	out := make([]string, len(list))
	for i, item := range list {
		out[i] = fmt.Sprint(item)
	}
	return out, nil
}

// argTime accepts Unix seconds or an RFC 3339 string. Missing returns nil.
func argTime(args map[string]interface{}, key string) (*time.Time, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return &t, nil
	}
	n, err := toInt(key, v)
	if err != nil {
		return nil, err
	}
	t := time.Unix(n, 0).UTC()
	return &t, nil
}

// argDuration accepts a Go duration string or a number of seconds.
func argDuration(args map[string]interface{}, key string) (time.Duration, error) {
	v, ok := args[key]
	if !ok {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	n, err := toInt(key, v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
