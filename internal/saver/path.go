package saver

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kennygrant/sanitize"
)

const jsonExt = ".json"

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	disallowedRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// sanitizeSegment transliterates s to ASCII, collapses whitespace runs to
// underscores and strips everything outside [A-Za-z0-9_-].
func sanitizeSegment(s string) string {
	s = sanitize.Accents(s)
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), "_")
	return disallowedRe.ReplaceAllString(s, "")
}

// urlStem is the last path segment of rawURL without its extension,
// the URL analogue of a file stem.
func urlStem(rawURL string) string {
	base := path.Base(rawURL)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// decodeSegment URL-decodes a type/situation value before it becomes a
// directory name, falling back to the raw value when it does not decode.
func decodeSegment(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// recordPath builds the output path for a record:
// root/{year}/{type}/{situation}/{title}_{stem}.json. Directory segments
// are URL-decoded but otherwise verbatim; only the filename is
// sanitized. When the full path exceeds maxLen bytes the stem is cut
// from the end by exactly the overflow; the extension is never touched.
func recordPath(root string, year int, docType, situation, title, rawURL string, maxLen int) string {
	dir := filepath.Join(root, strconv.Itoa(year), decodeSegment(docType), decodeSegment(situation))
	stem := sanitizeSegment(title) + "_" + sanitizeSegment(urlStem(rawURL))
	full := filepath.Join(dir, stem+jsonExt)
	if overflow := len(full) - maxLen; overflow > 0 {
		if cut := len(stem) - overflow; cut > 0 {
			stem = stem[:cut]
		} else {
			stem = stem[:1]
		}
		full = filepath.Join(dir, stem+jsonExt)
	}
	return full
}
