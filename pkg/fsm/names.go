package fsm

import (
	"regexp"
	"strings"
)

var unsafeRunRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Sanitize makes a string safe for filesystem paths: each maximal run of
// characters outside [A-Za-z0-9_-] becomes a single underscore, and leading
// and trailing underscores are trimmed.
func Sanitize(s string) string {
	return strings.Trim(unsafeRunRe.ReplaceAllString(s, "_"), "_")
}

// ModuleShortName returns the last dotted segment of a fully qualified kind
// name: "agents.demo.Door" -> "Door".
func ModuleShortName(kindName string) string {
	if i := strings.LastIndexByte(kindName, '.'); i >= 0 {
		return kindName[i+1:]
	}
	return kindName
}
