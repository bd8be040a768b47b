// Package utils provides shared helpers for naming host objects.
package utils

import "strings"

var nameReplacer = strings.NewReplacer(
	":", "-",
	"/", "-",
	".", "-",
)

// SanitizeName replaces characters that are unsafe for CDI names and file names
// (colons, slashes, dots) with hyphens.
func SanitizeName(s string) string {
	return nameReplacer.Replace(s)
}
