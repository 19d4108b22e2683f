package ingest

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"spamguard/internal/normalize"
)

var (
	ipKeys        = []string{"ip", "visitor_ip", "remote_addr", "client_ip"}
	timestampKeys = []string{"timestamp", "time", "ts"}
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap picks the visitor ip and timestamp out of a loose JSON
// object. Every other scalar key, and the members of a nested "metadata"
// object, become request metadata.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "metadata" {
			if nested, ok := val.(map[string]interface{}); ok {
				for k, v := range nested {
					if s, ok := scalar(v); ok {
						flat[strings.ToLower(k)] = s
					}
				}
			}
			continue
		}
		if s, ok := scalar(val); ok {
			flat[key] = s
		}
	}
	fields := &normalize.EventFields{
		IP:        firstNonEmpty(flat, ipKeys...),
		Timestamp: firstNonEmpty(flat, timestampKeys...),
		Extras:    map[string]string{},
	}
	for k, v := range flat {
		if slices.Contains(ipKeys, k) || slices.Contains(timestampKeys, k) {
			continue
		}
		fields.Extras[k] = v
	}
	return fields
}

func scalar(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool, json.Number:
		return fmt.Sprint(t), true
	}
	return "", false
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
