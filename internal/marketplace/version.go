// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package marketplace

import (
	"strconv"
	"strings"
)

// CompareVersions compares dot-separated numeric versions component by
// component, padding the shorter with zeros. It returns -1, 0 or 1. A
// leading "v" is ignored and a non-numeric component counts as zero.
func CompareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	n := max(len(pa), len(pb))
	for i := range n {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	fields := strings.Split(v, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			n = 0
		}
		parts[i] = n
	}
	return parts
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}
