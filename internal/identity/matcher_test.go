package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	m := NewMatcher()

	tests := []struct {
		name     string
		selected string
		owner    string
		want     bool
	}{
		{"raw equality", "42", "42", true},
		{"raw mismatch", "42", "43", false},
		{"composite owner raw selected", "42", "ohbombaymilton_at_gmail_com_42", true},
		{"composite selected raw owner", "ohbombaymilton_at_gmail_com_42", "42", true},
		{"composite equality", "tenant_a_7", "tenant_a_7", true},
		{"composite wrong suffix", "42", "tenant_a_421", false},
		{"suffix must follow separator", "a_42", "tenant_a_42", false},
		{"empty selected", "", "42", false},
		{"empty owner", "42", "", false},
		{"whitespace trimmed", " 42 ", "42", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Matches(tt.selected, tt.owner))
		})
	}
}
