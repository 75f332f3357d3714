package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for use as a filesystem path
// segment, replacing characters a run ID or ticket ID could carry (a
// colon from a model tag, a slash from an issue/PR URL fragment) with
// dashes.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")
	return sanitized
}
