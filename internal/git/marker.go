package git

import (
	"regexp"
)

// MarkerPrefix starts the commit message line that records which template
// commit a mirror or main commit was produced from.
const MarkerPrefix = "sync-config-template-commit: "

// one level of quoting: up to four spaces or a tab, as git log indents bodies
var markerRe = regexp.MustCompile(`(?m)^(?: {0,4}|\t)` + regexp.QuoteMeta(MarkerPrefix) + `([0-9a-fA-F]{4,64})[ \t]*$`)

// FormatMarker returns the marker line for a template commit
func FormatMarker(hash string) string {
	return MarkerPrefix + hash
}

// AppendMarker appends the marker line for hash to message
func AppendMarker(message, hash string) string {
	return message + "\n\n" + FormatMarker(hash)
}

// ParseMarker returns the template commit hash recorded in message. The
// first marker line wins.
func ParseMarker(message string) (string, bool) {
	m := markerRe.FindStringSubmatch(message)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseMarkers returns every marker line in message, in order. Squashed
// commits carry one marker per commit folded into them.
func ParseMarkers(message string) []string {
	matches := markerRe.FindAllStringSubmatch(message, -1)
	hashes := make([]string, 0, len(matches))
	for _, m := range matches {
		hashes = append(hashes, m[1])
	}
	return hashes
}

// MarkerSet collects the markers carried by commits
func MarkerSet(commits []Commit) map[string]bool {
	set := make(map[string]bool)
	for _, c := range commits {
		for _, hash := range ParseMarkers(c.Message) {
			set[hash] = true
		}
	}
	return set
}
