// Package patch applies model-produced unified diffs and measures how much a
// file changed.
package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrHunkMismatch is returned when a hunk's context cannot be found in the
// original text.
var ErrHunkMismatch = errors.New("patch: hunk does not match original")

// ErrNoHunks is returned for a diff without any @@ section.
var ErrNoHunks = errors.New("patch: no hunks in diff")

var hunkHeaderPattern = regexp.MustCompile(`^@@\s+-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@`)

type hunk struct {
	oldStart int
	oldLines []string
	newLines []string
}

// Apply applies every hunk of diff to original. Line numbers in hunk headers
// are treated as hints: each hunk is located by its context and removed
// lines, searching outward from the hinted position.
func Apply(original, diff string) (string, error) {
	hunks, err := parse(diff)
	if err != nil {
		return "", err
	}

	lines := strings.Split(original, "\n")
	cursor := 0
	offset := 0
	for i, h := range hunks {
		hint := h.oldStart - 1 + offset
		if hint < cursor {
			hint = cursor
		}
		var pos int
		if len(h.oldLines) == 0 {
			// -N,0 inserts after line N.
			pos = clamp(h.oldStart+offset, cursor, len(lines))
		} else {
			pos = locate(lines, h.oldLines, hint, cursor)
		}
		if pos < 0 {
			return "", fmt.Errorf("%w: hunk %d at line %d", ErrHunkMismatch, i+1, h.oldStart)
		}

		next := make([]string, 0, len(lines)-len(h.oldLines)+len(h.newLines))
		next = append(next, lines[:pos]...)
		next = append(next, h.newLines...)
		next = append(next, lines[pos+len(h.oldLines):]...)
		lines = next

		cursor = pos + len(h.newLines)
		offset += len(h.newLines) - len(h.oldLines)
	}
	return strings.Join(lines, "\n"), nil
}

func parse(diff string) ([]hunk, error) {
	var hunks []hunk
	var cur *hunk
	for _, raw := range strings.Split(diff, "\n") {
		line := strings.TrimSuffix(raw, "\r")
		if m := hunkHeaderPattern.FindStringSubmatch(line); m != nil {
			start, _ := strconv.Atoi(m[1])
			hunks = append(hunks, hunk{oldStart: start})
			cur = &hunks[len(hunks)-1]
			continue
		}
		if cur == nil {
			// File headers and chatter before the first hunk.
			continue
		}
		if strings.HasPrefix(line, "diff ") {
			cur = nil
			continue
		}
		switch {
		case line == "":
			cur.oldLines = append(cur.oldLines, "")
			cur.newLines = append(cur.newLines, "")
		case line[0] == ' ':
			cur.oldLines = append(cur.oldLines, line[1:])
			cur.newLines = append(cur.newLines, line[1:])
		case line[0] == '-':
			cur.oldLines = append(cur.oldLines, line[1:])
		case line[0] == '+':
			cur.newLines = append(cur.newLines, line[1:])
		case line[0] == '\\':
			// "\ No newline at end of file"
		default:
			// Models sometimes drop the leading space on context lines.
			cur.oldLines = append(cur.oldLines, line)
			cur.newLines = append(cur.newLines, line)
		}
	}
	if len(hunks) == 0 {
		return nil, ErrNoHunks
	}
	for i := range hunks {
		hunks[i].oldLines, hunks[i].newLines = trimTrailingBlank(hunks[i].oldLines, hunks[i].newLines)
	}
	return hunks, nil
}

// trimTrailingBlank drops blank context lines that only come from the
// newline before the closing delimiter.
func trimTrailingBlank(oldLines, newLines []string) ([]string, []string) {
	for len(oldLines) > 0 && len(newLines) > 0 &&
		oldLines[len(oldLines)-1] == "" && newLines[len(newLines)-1] == "" {
		oldLines = oldLines[:len(oldLines)-1]
		newLines = newLines[:len(newLines)-1]
	}
	return oldLines, newLines
}

// locate finds block in lines at or after from, preferring positions close to
// hint. Exact matches win over whitespace-insensitive ones.
func locate(lines, block []string, hint, from int) int {
	last := len(lines) - len(block)
	if last < from {
		return -1
	}
	hint = clamp(hint, from, last)
	for _, eq := range []func(a, b string) bool{exactEqual, looseEqual} {
		for d := 0; ; d++ {
			lo, hi := hint-d, hint+d
			if lo < from && hi > last {
				break
			}
			if lo >= from && matchAt(lines, block, lo, eq) {
				return lo
			}
			if d > 0 && hi <= last && matchAt(lines, block, hi, eq) {
				return hi
			}
		}
	}
	return -1
}

func matchAt(lines, block []string, pos int, eq func(a, b string) bool) bool {
	for i, b := range block {
		if !eq(lines[pos+i], b) {
			return false
		}
	}
	return true
}

func exactEqual(a, b string) bool { return a == b }

func looseEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
