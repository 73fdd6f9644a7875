package patch

import "strings"

// lcsCellLimit bounds the dynamic-programming table. Larger inputs fall back
// to a multiset comparison.
const lcsCellLimit = 4_000_000

// ChangedLines returns the number of inserted plus deleted lines needed to
// turn a into b.
func ChangedLines(a, b string) int {
	if a == b {
		return 0
	}
	x := strings.Split(a, "\n")
	y := strings.Split(b, "\n")

	// Common prefix and suffix never count.
	for len(x) > 0 && len(y) > 0 && x[0] == y[0] {
		x, y = x[1:], y[1:]
	}
	for len(x) > 0 && len(y) > 0 && x[len(x)-1] == y[len(y)-1] {
		x, y = x[:len(x)-1], y[:len(y)-1]
	}
	if len(x) == 0 || len(y) == 0 {
		return len(x) + len(y)
	}
	if len(x)*len(y) > lcsCellLimit {
		return multisetDistance(x, y)
	}
	return len(x) + len(y) - 2*lcs(x, y)
}

func lcs(x, y []string) int {
	prev := make([]int, len(y)+1)
	curr := make([]int, len(y)+1)
	for i := 1; i <= len(x); i++ {
		for j := 1; j <= len(y); j++ {
			switch {
			case x[i-1] == y[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(y)]
}

func multisetDistance(x, y []string) int {
	counts := make(map[string]int, len(x))
	for _, l := range x {
		counts[l]++
	}
	common := 0
	for _, l := range y {
		if counts[l] > 0 {
			counts[l]--
			common++
		}
	}
	return len(x) + len(y) - 2*common
}
