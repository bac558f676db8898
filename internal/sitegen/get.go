package sitegen

import (
	"regexp"
	"strconv"
	"strings"
)

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// Get reads a nested value by path, such as "site.pages[2].title", from maps
// and slices. It returns def when a segment is missing.
func Get(v any, path string, def any) any {
	path = strings.TrimPrefix(indexPattern.ReplaceAllString(path, ".$1"), ".")
	if path == "" {
		return v
	}
	for _, seg := range strings.Split(path, ".") {
		switch c := v.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return def
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return def
			}
			v = c[i]
		default:
			return def
		}
	}
	return v
}
