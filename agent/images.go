package agent

import (
	"regexp"
	"strings"
	"sync"
)

var globCache sync.Map // pattern -> *regexp.Regexp

// ImageAllowed reports whether image matches one of the shell-style glob
// patterns. A '*' also matches '/', so "nvidia/*" allows "nvidia/cuda:12.4".
// An empty pattern list allows nothing.
func ImageAllowed(patterns []string, image string) bool {
	for _, p := range patterns {
		if globRegexp(p).MatchString(image) {
			return true
		}
	}
	return false
}

func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	globCache.Store(pattern, re)
	return re
}
