package local

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

// forbiddenChars are replaced by SafeFilename so names are valid everywhere
const forbiddenChars = `<>:"|?*/\`

var (
	ignoredPrefixes = []string{".", "~$"}
	ignoredSuffixes = []string{"~", ".swp", ".lock", ".part", ".nxpart", ".tmp", ".crdownload", ".partial"}
	ignoredNames    = map[string]bool{"desktop.ini": true, "thumbs.db": true}

	// office writes its temporary copies as 8 hex digits without extension
	officeTmpName = regexp.MustCompile(`^[0-9A-F]{8}$`)
)

// SafeFilename replaces the characters the server or another platform would
// refuse with a dash
func SafeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return '-'
		}
		return r
	}, name)
}

// IsIgnored reports whether a child name must never be synchronized
func IsIgnored(name string) bool {
	if name == "" || strings.TrimSpace(name) == "" {
		return true
	}
	lower := strings.ToLower(name)
	if ignoredNames[lower] {
		return true
	}
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	ignore, _ := IsGeneratedTmpFile(name)
	return ignore
}

// IsGeneratedTmpFile reports whether name is a temporary file written by an
// editor. delay is true when the editor renames it to the real name shortly
// after, in which case the event should be looked at again later.
func IsGeneratedTmpFile(name string) (ignore, delay bool) {
	switch {
	case strings.HasPrefix(name, "~$"):
		return true, false
	case len(name) > 2 && strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#"):
		// emacs auto-save
		return true, false
	case strings.HasPrefix(name, ".~lock.") && strings.HasSuffix(name, "#"):
		// libreoffice
		return true, false
	case officeTmpName.MatchString(name):
		return true, true
	case path.Ext(name) == ".tmp" && strings.HasPrefix(name, "~"):
		return true, true
	}
	return false, false
}

// dedupName returns the candidate name for the n-th duplicate of name, the
// counter goes before the extension: "a.txt" gives "a__1.txt".
func dedupName(name string, n int) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return stem + "__" + strconv.Itoa(n) + ext
}
