package api

import "strconv"

// maxNameLen is the maximum length for display name fields.
const maxNameLen = 200

// maxTokenLen is the maximum length for access tokens.
const maxTokenLen = 512

// intQuery parses an optional integer query parameter, 0 on absence or
// garbage.
func intQuery(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// validateRequiredStringLen checks that a non-empty string does not exceed
// maxLen characters. Returns an error message if invalid, empty string if OK.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}
