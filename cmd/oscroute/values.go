package main

import (
	"math"
	"strconv"
	"strings"
)

// parseValue reads a command-line argument as the narrowest OSC type it
// spells: int32, int64 when out of int32 range, float, boolean, else string. A "s:" prefix forces a
// string.
func parseValue(s string) any {
	if rest, ok := strings.CutPrefix(s, "s:"); ok {
		return rest
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i)
		}
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func parseValues(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = parseValue(a)
	}
	return out
}
