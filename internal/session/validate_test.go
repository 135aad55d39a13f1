package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work123", false},
		{"my-session", false},
		{"ops_2", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{strings.Repeat("a", 65), true},
		{"Main", true},
		{"-leading", true},
		{"_leading", true},
		{"two words", true},
		{"a.b", true},
		{"../escape", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
