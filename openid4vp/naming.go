package openid4vp

import (
	"strings"
	"unicode"
)

// ToSnakeCase maps a camelCase name to its OID4VP wire name:
// responseUri becomes response_uri.
func ToSnakeCase(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamelCase is the inverse of ToSnakeCase for lower case wire names.
func ToCamelCase(s string) string {
	var b strings.Builder
	upper := false
	for i, r := range s {
		if r == '_' && i+1 < len(s) && s[i+1] >= 'a' && s[i+1] <= 'z' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SnakeKeys rewrites every map key of v, recursively, with ToSnakeCase.
func SnakeKeys(v interface{}) interface{} {
	return mapKeys(v, ToSnakeCase)
}

// CamelKeys rewrites every map key of v, recursively, with ToCamelCase.
func CamelKeys(v interface{}) interface{} {
	return mapKeys(v, ToCamelCase)
}

func mapKeys(v interface{}, conv func(string) string) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, child := range node {
			out[conv(k)] = mapKeys(child, conv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, child := range node {
			out[i] = mapKeys(child, conv)
		}
		return out
	}
	return v
}

// MatchWireName is a mapstructure MatchName accepting both the snake_case
// wire name and its camelCase form.
func MatchWireName(mapKey, fieldName string) bool {
	return ToSnakeCase(mapKey) == fieldName || strings.EqualFold(mapKey, fieldName)
}
