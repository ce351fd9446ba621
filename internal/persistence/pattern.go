package persistence

import (
	"regexp"
	"strings"
)

// StreamPattern matches stream ids against a glob where * stands for any run of characters.
type StreamPattern struct {
	original string
	regexp   *regexp.Regexp
}

func Pattern(s string) StreamPattern {
	parts := strings.Split(s, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return StreamPattern{
		original: s,
		regexp:   regexp.MustCompile("^" + strings.Join(parts, ".*") + "$"),
	}
}

func (p StreamPattern) Match(name string) bool {
	return p.regexp.MatchString(name)
}

// MatchCommit reports whether the commit belongs to a matching stream.
func (p StreamPattern) MatchCommit(c Commit) bool {
	return p.Match(c.StreamID)
}

func (p StreamPattern) String() string {
	return p.original
}
