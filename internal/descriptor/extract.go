package descriptor

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Extraction strategies for schema-tolerant field probing. Each strategy is a
// small function over a generic key-value document; extractors compose
// first-match-wins so the probing order stays explicit and testable.

type stringExtractor func(map[string]any) (string, bool)

// approverValueExtractors probe the known spellings for an approver identity
// token, scalar fields before list fields.
var approverValueExtractors = []stringExtractor{
	stringField("value", "approverValue", "ApproverValue", "email", "user"),
	firstOfListField("emails", "users"),
}

func extractApproverValue(item map[string]any) string {
	for _, extract := range approverValueExtractors {
		if value, ok := extract(item); ok {
			return value
		}
	}
	return ""
}

// stringField returns the first non-blank string among the given keys.
func stringField(keys ...string) stringExtractor {
	return func(item map[string]any) (string, bool) {
		for _, key := range keys {
			if s, ok := item[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
		return "", false
	}
}

// firstOfListField returns the first non-blank string element of the first
// list found among the given keys.
func firstOfListField(keys ...string) stringExtractor {
	return func(item map[string]any) (string, bool) {
		for _, key := range keys {
			for _, element := range anySlice(item[key]) {
				if s, ok := element.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s), true
				}
			}
		}
		return "", false
	}
}

func extractString(item map[string]any, keys ...string) string {
	value, _ := stringField(keys...)(item)
	return value
}

func extractBool(item map[string]any, fallback bool, keys ...string) bool {
	for _, key := range keys {
		if b, ok := item[key].(bool); ok {
			return b
		}
	}
	return fallback
}

// extractOrder probes the explicit step-number spellings. JSON numbers decode
// as float64; string-encoded and json.Number values appear in older payloads.
func extractOrder(item map[string]any) int {
	for _, key := range []string{"order", "slot", "Slot", "Order"} {
		switch v := item[key].(type) {
		case float64:
			return int(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}
