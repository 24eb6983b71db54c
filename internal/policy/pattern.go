package policy

import "strings"

// MatchPattern reports whether a dotted pattern matches a dotted value.
// "*" alone matches anything; "**" matches any segment sequence; a lone
// "*" segment matches exactly one segment; "*" embedded in a segment
// matches any substring not containing ':'.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(value, "."))
}

func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], value) {
			return true
		}
		if len(value) > 0 {
			return matchSegments(pattern, value[1:])
		}
		return false
	}
	if len(value) == 0 {
		return false
	}
	if !matchSegment(pattern[0], value[0]) {
		return false
	}
	return matchSegments(pattern[1:], value[1:])
}

// matchSegment handles one segment. Literal text must appear in order; the
// gaps covered by '*' may not cross a ':' boundary.
func matchSegment(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	rest := value

	if !strings.HasPrefix(rest, parts[0]) {
		return false
	}
	rest = rest[len(parts[0]):]

	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 || strings.Contains(rest[:idx], ":") {
			return false
		}
		rest = rest[idx+len(part):]
	}

	last := parts[len(parts)-1]
	if !strings.HasSuffix(rest, last) {
		return false
	}
	return !strings.Contains(rest[:len(rest)-len(last)], ":")
}
