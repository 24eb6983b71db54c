package policy

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything.at.all", true},
		{"**", "anything.at.all", true},
		{"", "anything", true},

		{"edu.grade.write", "edu.grade.write", true},
		{"edu.grade.write", "edu.grade.read", false},

		// "X.*" matches exactly one segment under X.
		{"edu.*", "edu.grade", true},
		{"edu.*", "edu.grade.write", false},
		{"edu.grade.*", "edu.grade.write", true},

		// "**" matches any sequence, including empty.
		{"edu.**", "edu.grade.write", true},
		{"edu.**", "edu", true},
		{"**.write", "edu.grade.write", true},
		{"edu.**.write", "edu.grade.write", true},
		{"edu.**", "ops.restart", false},

		// "*" inside a segment matches substrings without ':'.
		{"edu.grade*", "edu.gradebook", true},
		{"edu.*write", "edu.gradewrite", true},
		{"svc-*", "svc-api", true},
		{"svc-*", "svc:api", false},
		{"a*c", "abc", true},
		{"a*c", "a:c", false},

		{"edu.grade.write", "edu.grade.write.bulk", false},
		{"edu.grade.write.bulk", "edu.grade.write", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}
