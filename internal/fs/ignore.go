package fs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// builtinRules hide the ignore file itself.
var builtinRules = []string{"/" + IgnoreFileName}

type rule struct {
	segments []string
	negate   bool
	dirOnly  bool
	// anchored rules match the whole relative path, others any basename.
	anchored bool
}

// Filter decides which walked entries are left out of a backup. Rules use
// .gitignore syntax: a leading "!" re-includes, a trailing "/" restricts a
// rule to folders, a rule containing "/" is anchored at the source root and
// "**" spans any number of folders. The last matching rule wins. Entries
// below an excluded folder are never visited, so they cannot be re-included.
type Filter struct {
	rules []rule
}

// NewFilter parses lines into a Filter. Blank lines and "#" comments are
// dropped.
func NewFilter(lines []string) *Filter {
	f := &Filter{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		var r rule
		if line[0] == '!' {
			r.negate, line = true, line[1:]
		}
		if strings.HasSuffix(line, "/") {
			r.dirOnly, line = true, strings.TrimRight(line, "/")
		}
		if strings.Contains(line, "/") {
			r.anchored, line = true, strings.TrimPrefix(line, "/")
		}
		if line == "" {
			continue
		}
		r.segments = strings.Split(line, "/")
		f.rules = append(f.rules, r)
	}
	return f
}

// Excluded reports whether rel, relative to the source root, is filtered out.
func (f *Filter) Excluded(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return false
	}
	parts := strings.Split(rel, "/")
	excluded := false
	for _, r := range f.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(parts) {
			excluded = !r.negate
		}
	}
	return excluded
}

func (r rule) matches(parts []string) bool {
	if !r.anchored {
		return len(r.segments) == 1 && globMatch(r.segments[0], parts[len(parts)-1])
	}
	return matchSegments(r.segments, parts)
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for skip := 0; skip <= len(parts); skip++ {
				if matchSegments(pattern[1:], parts[skip:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 || !globMatch(pattern[0], parts[0]) {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}

// Malformed patterns never match.
func globMatch(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// ReadIgnoreFile returns the lines of an ignore file, or nil when there is
// none.
func ReadIgnoreFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file %s: %w", name, err)
	}
	return lines, nil
}
