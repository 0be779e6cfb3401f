package models

import "strings"

// NormalizeKey lower-cases and trims a unit_id or machine_id.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// NormalizeSiteURL lower-cases, trims and drops trailing slashes.
func NormalizeSiteURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}
