package transforms

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// keyPathSegment matches one dot-delimited segment. Quoted runs may embed dots.
var keyPathSegment = regexp.MustCompile(`(?:[^."']|"[^"]*"|'[^']*')+`)

// KeyPath splits a dotted key path into segments, honouring single- and
// double-quoted segments that contain literal dots.
//
//	"a.b.c"    -> [a b c]
//	"a.'d.e'"  -> [a d.e]
func KeyPath(path string) []string {
	matches := keyPathSegment.FindAllString(path, -1)
	segments := make([]string, 0, len(matches))
	for _, m := range matches {
		segments = append(segments, strings.Trim(m, `"'`))
	}
	return segments
}

// nestedObject builds a single-path object with value at the innermost key.
func nestedObject(path []string, value any) (map[string]any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty key path")
	}
	container := gabs.New()
	if _, err := container.Set(value, path...); err != nil {
		return nil, fmt.Errorf("set %s: %w", strings.Join(path, "."), err)
	}
	obj, ok := container.Data().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("key path %q did not produce an object", strings.Join(path, "."))
	}
	return obj, nil
}

// ignoredPaths is a parsed set of key paths excluded from the walk passes.
type ignoredPaths [][]string

func parseIgnoredPaths(paths []string) ignoredPaths {
	if len(paths) == 0 {
		return nil
	}
	out := make(ignoredPaths, 0, len(paths))
	for _, p := range paths {
		if segs := KeyPath(p); len(segs) > 0 {
			out = append(out, segs)
		}
	}
	return out
}

// skips reports whether a one-segment path names key.
func (ip ignoredPaths) skips(key string) bool {
	for _, p := range ip {
		if len(p) == 1 && p[0] == key {
			return true
		}
	}
	return false
}

// descend returns the tails of multi-segment paths whose head is key.
func (ip ignoredPaths) descend(key string) ignoredPaths {
	if len(ip) == 0 {
		return nil
	}
	var next ignoredPaths
	for _, p := range ip {
		if len(p) > 1 && p[0] == key {
			next = append(next, p[1:])
		}
	}
	return next
}

// indexKey is how list positions are named in ignored paths.
func indexKey(i int) string {
	return strconv.Itoa(i)
}
